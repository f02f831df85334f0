package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"bountychain/core"
)

const wsWriteTimeout = 10 * time.Second

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s == nil || s.node == nil {
		http.Error(w, "node unavailable", http.StatusServiceUnavailable)
		return
	}
	cursor := strings.TrimSpace(r.URL.Query().Get("cursor"))
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	if err := s.streamEvents(r.Context(), conn, cursor); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, cursor string) error {
	updates, cancel, backlog, err := s.node.SubscribeEvents(ctx, cursor)
	if err != nil {
		return err
	}
	defer cancel()

	for _, evt := range backlog {
		if err := writeStreamEvent(ctx, conn, evt); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-updates:
			if !ok {
				return nil
			}
			if err := writeStreamEvent(ctx, conn, evt); err != nil {
				return err
			}
		}
	}
}

func writeStreamEvent(ctx context.Context, conn *websocket.Conn, evt core.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
