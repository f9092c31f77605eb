// ABOUTME: Shared submit path for WebSocket and REST sends
// ABOUTME: Answers a resent clientMsgId with the message stored the first time

package gateway

import (
	"context"
	"fmt"

	"github.com/2389/coven-dm/internal/conversation"
	"github.com/2389/coven-dm/internal/store"
)

// submit hands p to the router. When p carries a ClientMsgID, submits for the
// same user and id are serialized and a repeat inside the retry window gets
// the original message back without a second append or fan-out.
func (g *Gateway) submit(ctx context.Context, sender conversation.Sender, p SendParams) (*store.Message, error) {
	if p.ClientMsgID == "" {
		d, err := g.router.Submit(ctx, sender, p.ReceiverID, p.Body)
		if err != nil {
			return nil, err
		}
		return d.Message, nil
	}

	key := sender.UserID + "\x00" + p.ClientMsgID
	unlock := g.retryLocks.Lock(key)
	defer unlock()

	if prev, ok := g.recent.Get(key); ok {
		if prev.ReceiverID != p.ReceiverID || prev.Body != p.Body {
			return nil, fmt.Errorf("%w: clientMsgId %q was already used for a different message", conversation.ErrValidation, p.ClientMsgID)
		}
		g.logger.Debug("resent message answered from retry cache",
			"user_id", sender.UserID,
			"client_msg_id", p.ClientMsgID,
			"message_id", prev.ID,
		)
		return prev, nil
	}

	d, err := g.router.Submit(ctx, sender, p.ReceiverID, p.Body)
	if err != nil {
		return nil, err
	}
	g.recent.Put(key, d.Message)
	return d.Message, nil
}
