package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"wellness-chat/internal/apperror"
	"wellness-chat/internal/identity"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 * 1024
	frameTimeout   = 10 * time.Second
)

type FrameType string

const (
	// server -> client
	FrameInvalidate FrameType = "invalidate"
	FrameResync     FrameType = "resync"
	FrameAck        FrameType = "ack"
	FrameError      FrameType = "error"

	// client -> server
	FrameHeartbeat  FrameType = "heartbeat"
	FrameTyping     FrameType = "typing"
	FrameStopTyping FrameType = "stop_typing"
	FrameSend       FrameType = "send"
)

// Scope names the read model a client should re-fetch.
type Scope string

const (
	ScopeThread    Scope = "thread"
	ScopeDirectory Scope = "directory"
	ScopePresence  Scope = "presence"
)

type InboundFrame struct {
	Type           FrameType `json:"type"`
	ConversationID uuid.UUID `json:"conversation_id"`
	Content        string    `json:"content"`
	ClientNonce    string    `json:"client_nonce,omitempty"`
}

type OutboundFrame struct {
	Type           FrameType `json:"type"`
	Scope          Scope     `json:"scope,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	ClientNonce    string    `json:"client_nonce,omitempty"`
	Code           string    `json:"code,omitempty"`
	Message        string    `json:"message,omitempty"`
}

func idString(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin checks are enforced by the edge proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client is a middleman between one websocket connection and the hub.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	who  identity.Identity
}

// ServeWs upgrades an authenticated request and starts the client's pumps.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	who, ok := identity.FromContext(r.Context())
	if !ok {
		apperror.WriteJSON(w, apperror.Unauthorized("unauthorized"))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade")
		return
	}

	client := &Client{hub: h, conn: conn, send: make(chan []byte, 256), who: who}
	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}
	h.inbound.Connected(who)

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.hub.inbound.Disconnected(c.who)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handle(InboundFrame{Type: FrameHeartbeat})
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn().Err(err).Stringer("user_id", c.who.UserID).Msg("websocket closed")
			}
			return
		}

		var frame InboundFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			c.reply(OutboundFrame{Type: FrameError, Code: string(apperror.CodeInvalidArgument), Message: "malformed frame"})
			continue
		}
		c.handle(frame)
	}
}

func (c *Client) handle(frame InboundFrame) {
	ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
	defer cancel()

	if err := c.hub.inbound.HandleFrame(ctx, c.who, frame); err != nil {
		msg := "something went wrong, please try again"
		var appErr *apperror.AppError
		if errors.As(err, &appErr) {
			msg = appErr.Message
		}
		c.reply(OutboundFrame{
			Type:           FrameError,
			ConversationID: idString(frame.ConversationID),
			ClientNonce:    frame.ClientNonce,
			Code:           string(apperror.CodeOf(err)),
			Message:        msg,
		})
		return
	}
	if frame.Type == FrameSend {
		c.reply(OutboundFrame{Type: FrameAck, ConversationID: idString(frame.ConversationID), ClientNonce: frame.ClientNonce})
	}
}

// reply queues a frame for this client only. Dropped if the client is backed up.
func (c *Client) reply(frame OutboundFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	c.hub.enqueue(delivery{payload: payload, only: c})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			// Flush anything else already queued in the same frame.
			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
