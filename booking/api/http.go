// Package api 暴露 booking 服务的 HTTP 接口
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/gin-gonic/gin"
	"github.com/ziqiyuan/innflow/booking/service"
	"github.com/ziqiyuan/innflow/internal/model"
	"github.com/ziqiyuan/innflow/internal/repo"
	"github.com/ziqiyuan/innflow/pkg/health"
)

const dateLayout = "2006-01-02"

// Handler 实现 booking 服务的 HTTP API
type Handler struct {
	service *service.BookingService
	probe   *health.Probe
	logger  clog.Logger
}

// NewHandler 创建 API Handler
func NewHandler(svc *service.BookingService, probe *health.Probe, logger clog.Logger) *Handler {
	return &Handler{
		service: svc,
		probe:   probe,
		logger:  logger.WithNamespace("api"),
	}
}

// RegisterRoutes 注册路由到 Gin
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", gin.WrapF(h.probe.LivenessHandler()))
	router.GET("/ready", gin.WrapF(h.probe.ReadinessHandler()))

	group := router.Group("/api")
	group.POST("/bookings", h.createBooking)
	group.GET("/bookings/:id", h.getBooking)
	group.POST("/bookings/:id/cancel", h.cancelBooking)
	group.POST("/bookings/:id/checkin", h.checkIn)
	group.POST("/bookings/:id/checkout", h.checkOut)
}

type createBookingRequest struct {
	GuestID      string `json:"guest_id" binding:"required"`
	RoomID       string `json:"room_id" binding:"required"`
	CheckInDate  string `json:"check_in_date" binding:"required"`
	CheckOutDate string `json:"check_out_date" binding:"required"`
}

type cancelBookingRequest struct {
	Reason string `json:"reason"`
}

type bookingResponse struct {
	BookingID     string `json:"booking_id"`
	BookingNo     int64  `json:"booking_no"`
	GuestID       string `json:"guest_id"`
	RoomID        string `json:"room_id"`
	CheckInDate   string `json:"check_in_date"`
	CheckOutDate  string `json:"check_out_date"`
	AmountCents   int64  `json:"amount_cents"`
	Currency      string `json:"currency"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`
}

func toBookingResponse(b *model.Booking) *bookingResponse {
	return &bookingResponse{
		BookingID:     b.BookingID,
		BookingNo:     b.BookingNo,
		GuestID:       b.GuestID,
		RoomID:        b.RoomID,
		CheckInDate:   b.CheckInDate.Format(dateLayout),
		CheckOutDate:  b.CheckOutDate.Format(dateLayout),
		AmountCents:   b.AmountCents,
		Currency:      b.Currency,
		Status:        b.Status,
		FailureReason: b.FailureReason,
	}
}

func (h *Handler) createBooking(c *gin.Context) {
	var req createBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	checkIn, err := time.Parse(dateLayout, req.CheckInDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "check_in_date must be YYYY-MM-DD"})
		return
	}
	checkOut, err := time.Parse(dateLayout, req.CheckOutDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "check_out_date must be YYYY-MM-DD"})
		return
	}

	b, err := h.service.CreateBooking(c.Request.Context(), &service.CreateBookingRequest{
		GuestID:      req.GuestID,
		RoomID:       req.RoomID,
		CheckInDate:  checkIn,
		CheckOutDate: checkOut,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toBookingResponse(b))
}

func (h *Handler) getBooking(c *gin.Context) {
	b, err := h.service.GetBooking(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toBookingResponse(b))
}

func (h *Handler) cancelBooking(c *gin.Context) {
	var req cancelBookingRequest
	// 空 body 合法，reason 缺省
	_ = c.ShouldBindJSON(&req)

	if err := h.service.CancelBooking(c.Request.Context(), c.Param("id"), req.Reason); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": model.BookingStatusCancelling})
}

func (h *Handler) checkIn(c *gin.Context) {
	if err := h.service.CheckIn(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": model.BookingStatusCheckedIn})
}

func (h *Handler) checkOut(c *gin.Context) {
	if err := h.service.CheckOut(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": model.BookingStatusCheckedOut})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "booking not found"})
	case errors.Is(err, service.ErrInvalidStay), errors.Is(err, service.ErrRoomUnavailable):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrNotCancellable), errors.Is(err, repo.ErrStatusConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.logger.Error("request failed",
			clog.String("path", c.FullPath()),
			clog.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
