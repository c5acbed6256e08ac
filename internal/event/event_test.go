package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_RoundTrip(t *testing.T) {
	env, err := New("saga-001", "booking-001", KindPaymentCharge, &PaymentChargeRequest{
		GuestID:     "guest-001",
		AmountCents: 25900,
		Currency:    "CNY",
	})
	require.NoError(t, err)
	require.NotEmpty(t, env.ID)

	data, err := Marshal(env)
	require.NoError(t, err)

	decoded, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, env.ID, decoded.ID)
	assert.Equal(t, "saga-001", decoded.SagaID)
	assert.Equal(t, "booking-001", decoded.BookingID)
	assert.Equal(t, KindPaymentCharge, decoded.Kind)

	payload, err := Decode[PaymentChargeRequest](decoded)
	require.NoError(t, err)
	assert.Equal(t, "guest-001", payload.GuestID)
	assert.Equal(t, int64(25900), payload.AmountCents)
}

func TestEnvelope_PartitionKey(t *testing.T) {
	env, err := New("saga-002", "booking-002", KindRoomReserveRequest, &RoomReserveRequest{RoomID: "room-101"})
	require.NoError(t, err)

	// 同一 saga 的消息必须共享分区键，保证分区内有序
	assert.Equal(t, "saga-002", env.PartitionKey())

	reply, err := NewReply(env, KindRoomReserveReply, &RoomReserveReply{Status: RoomReserved})
	require.NoError(t, err)
	assert.Equal(t, env.PartitionKey(), reply.PartitionKey())
	assert.Equal(t, env.ID, reply.CorrelationID)
	assert.NotEqual(t, env.ID, reply.ID)
}

func TestUnmarshal_Invalid(t *testing.T) {
	t.Run("非法 JSON", func(t *testing.T) {
		_, err := Unmarshal([]byte("{not-json"))
		assert.Error(t, err)
	})

	t.Run("缺少 saga_id", func(t *testing.T) {
		_, err := Unmarshal([]byte(`{"id":"m1","payload":{}}`))
		assert.Error(t, err)
	})
}

func TestDLT(t *testing.T) {
	assert.Equal(t, "innflow.payment.charge.request.DLT", DLT(TopicPaymentChargeRequest))
}
