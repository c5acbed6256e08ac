// Package api 暴露 room 服务的房间查询接口
package api

import (
	"errors"
	"net/http"

	"github.com/ceyewan/genesis/clog"
	"github.com/gin-gonic/gin"
	"github.com/ziqiyuan/innflow/internal/model"
	"github.com/ziqiyuan/innflow/internal/repo"
	"github.com/ziqiyuan/innflow/pkg/health"
)

// Handler 实现 room 服务的 HTTP API
type Handler struct {
	rooms  repo.RoomRepo
	probe  *health.Probe
	logger clog.Logger
}

// NewHandler 创建 API Handler
func NewHandler(rooms repo.RoomRepo, probe *health.Probe, logger clog.Logger) *Handler {
	return &Handler{
		rooms:  rooms,
		probe:  probe,
		logger: logger.WithNamespace("api"),
	}
}

// RegisterRoutes 注册路由到 Gin
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", gin.WrapF(h.probe.LivenessHandler()))
	router.GET("/ready", gin.WrapF(h.probe.ReadinessHandler()))

	group := router.Group("/api")
	group.GET("/rooms", h.listRooms)
	group.GET("/rooms/:id", h.getRoom)
}

type roomResponse struct {
	ID        string `json:"id"`
	Number    string `json:"number"`
	Type      string `json:"type"`
	RateCents int64  `json:"rate_cents"`
	Currency  string `json:"currency"`
	Status    string `json:"status"`
}

func toRoomResponse(r *model.Room) *roomResponse {
	return &roomResponse{
		ID:        r.RoomID,
		Number:    r.Number,
		Type:      r.Type,
		RateCents: r.RateCents,
		Currency:  r.Currency,
		Status:    r.Status,
	}
}

func (h *Handler) listRooms(c *gin.Context) {
	rooms, err := h.rooms.ListRooms(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list rooms", clog.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	out := make([]*roomResponse, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, toRoomResponse(r))
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) getRoom(c *gin.Context) {
	room, err := h.rooms.GetRoom(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		h.logger.Error("failed to get room", clog.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, toRoomResponse(room))
}
