package messaging

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sealchat/fanout"
)

// ErrUnsupportedFrame indicates an inbound frame kind the service does not handle.
var ErrUnsupportedFrame = errors.New("unsupported inbound frame")

// inboundFrame is what a client sends over its live session.
type inboundFrame struct {
	Kind           fanout.Kind `json:"kind"`
	ConversationID string      `json:"conversation_id"`
	MessageID      string      `json:"message_id,omitempty"`
	IsTyping       *bool       `json:"is_typing,omitempty"`
}

// HandleFrame applies one client frame. Typing frames toggle the typing
// indicator; read_receipt frames mark a message read.
func (s *Service) HandleFrame(ctx context.Context, userID string, frame []byte) error {
	var in inboundFrame
	if err := json.Unmarshal(frame, &in); err != nil {
		return err
	}

	switch in.Kind {
	case fanout.KindTyping:
		typing := true
		if in.IsTyping != nil {
			typing = *in.IsTyping
		}
		return s.Typing(ctx, in.ConversationID, userID, typing)
	case fanout.KindReadReceipt:
		_, err := s.MarkRead(ctx, userID, in.MessageID)
		return err
	default:
		return ErrUnsupportedFrame
	}
}

// InboundHandler adapts HandleFrame to a fanout.InboundHandler. Failures
// are logged; a live session never gets torn down over a bad frame.
func (s *Service) InboundHandler() fanout.InboundHandler {
	return func(ctx context.Context, userID string, frame []byte) {
		if err := s.HandleFrame(ctx, userID, frame); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "InboundHandler",
				"package":  "messaging",
				"user_id":  userID,
				"error":    err.Error(),
			}).Debug("Inbound frame rejected")
		}
	}
}
