// Package client 封装对 room 服务查询接口的调用
package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Room room 服务返回的房间信息
type Room struct {
	ID        string `json:"id"`
	Number    string `json:"number"`
	Type      string `json:"type"`
	RateCents int64  `json:"rate_cents"`
	Currency  string `json:"currency"`
	Status    string `json:"status"`
}

// RoomClient room 服务 HTTP 客户端
type RoomClient struct {
	baseURL string
	http    *http.Client
}

// NewRoomClient 创建 room 服务客户端
func NewRoomClient(baseURL string) *RoomClient {
	return &RoomClient{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// GetRoom 查询单个房间
func (c *RoomClient) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	var room Room
	if err := c.get(ctx, fmt.Sprintf("%s/api/rooms/%s", c.baseURL, roomID), &room); err != nil {
		return nil, err
	}
	return &room, nil
}

// ListRooms 查询可预订房间列表
func (c *RoomClient) ListRooms(ctx context.Context) ([]*Room, error) {
	var rooms []*Room
	if err := c.get(ctx, c.baseURL+"/api/rooms", &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

func (c *RoomClient) get(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call room service: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read room service response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrRoomNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("room service returned %d: %s", resp.StatusCode, body)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode room service response: %w", err)
	}
	return nil
}

// ErrRoomNotFound 房间不存在
var ErrRoomNotFound = fmt.Errorf("room not found")
