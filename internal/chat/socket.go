package chat

import (
	"context"

	"github.com/google/uuid"

	"wellness-chat/internal/apperror"
	"wellness-chat/internal/identity"
	"wellness-chat/internal/realtime"
)

// PresenceSignals is the part of presence tracking driven by socket activity.
type PresenceSignals interface {
	Connect(who identity.Identity)
	Disconnect(who identity.Identity)
	Heartbeat(who identity.Identity)
	SetTyping(who identity.Identity, conversationID *uuid.UUID)
}

// SocketGateway turns frames from connected clients into chat and presence calls.
type SocketGateway struct {
	messages *Messages
	presence PresenceSignals
}

func NewSocketGateway(messages *Messages, presence PresenceSignals) *SocketGateway {
	return &SocketGateway{messages: messages, presence: presence}
}

func (g *SocketGateway) Connected(who identity.Identity) { g.presence.Connect(who) }

func (g *SocketGateway) Disconnected(who identity.Identity) { g.presence.Disconnect(who) }

func (g *SocketGateway) HandleFrame(ctx context.Context, who identity.Identity, frame realtime.InboundFrame) error {
	switch frame.Type {
	case realtime.FrameHeartbeat:
		g.presence.Heartbeat(who)
		return nil

	case realtime.FrameTyping:
		if frame.ConversationID == uuid.Nil {
			return apperror.InvalidArg("typing needs a conversation")
		}
		id := frame.ConversationID
		g.presence.SetTyping(who, &id)
		return nil

	case realtime.FrameStopTyping:
		g.presence.SetTyping(who, nil)
		return nil

	case realtime.FrameSend:
		if frame.ConversationID == uuid.Nil {
			return apperror.InvalidArg("choose a conversation")
		}
		_, err := g.messages.SendText(ctx, who, frame.ConversationID, frame.Content, SendOptions{
			ClientNonce: frame.ClientNonce,
		})
		if err == nil {
			g.presence.SetTyping(who, nil)
		}
		return err

	default:
		return apperror.InvalidArg("unknown frame type")
	}
}
