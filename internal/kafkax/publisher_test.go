package kafkax

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

// fakeProducer 同步执行 promise 的假生产者
type fakeProducer struct {
	records []*kgo.Record
	err     error
}

func (f *fakeProducer) Produce(_ context.Context, r *kgo.Record, promise func(*kgo.Record, error)) {
	f.records = append(f.records, r)
	r.Partition = 3
	r.Offset = 42
	promise(r, f.err)
}

func TestPublisher_Publish(t *testing.T) {
	t.Run("投递成功回调 nil", func(t *testing.T) {
		producer := &fakeProducer{}
		pub, err := NewPublisher(producer)
		require.NoError(t, err)

		var got error
		called := false
		pub.Publish(context.Background(), "innflow.room.reserve.request", "saga-1",
			[]byte(`{}`), func(err error) {
				called = true
				got = err
			})

		assert.True(t, called)
		assert.NoError(t, got)
		require.Len(t, producer.records, 1)
		assert.Equal(t, "innflow.room.reserve.request", producer.records[0].Topic)
		assert.Equal(t, []byte("saga-1"), producer.records[0].Key)
	})

	t.Run("投递失败回调错误", func(t *testing.T) {
		producer := &fakeProducer{err: errors.New("broker unavailable")}
		pub, err := NewPublisher(producer)
		require.NoError(t, err)

		var got error
		pub.Publish(context.Background(), "t", "k", nil, func(err error) {
			got = err
		})
		assert.Error(t, got)
	})

	t.Run("done 为 nil 时不 panic", func(t *testing.T) {
		pub, err := NewPublisher(&fakeProducer{})
		require.NoError(t, err)
		pub.Publish(context.Background(), "t", "k", nil, nil)
	})

	t.Run("producer 为 nil 时拒绝创建", func(t *testing.T) {
		_, err := NewPublisher(nil)
		assert.Error(t, err)
	})
}
