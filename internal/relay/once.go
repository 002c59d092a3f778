// ABOUTME: At-most-once sends keyed by the client's message id
// ABOUTME: Shared by the socket and REST transports

package relay

import (
	"context"
	"errors"

	"github.com/2389/agentchat/internal/dedupe"
)

// ErrDuplicateInFlight is returned while an earlier send with the same
// client message id is still running
var ErrDuplicateInFlight = errors.New("message already in progress")

// SendOnce runs Send at most once per (user, clientMessageId) within the
// cache TTL. A repeat of a completed send gets the original response again,
// emitted as messageResponse, without touching credits or the assistant.
// A nil cache or an empty client id sends unconditionally.
func (r *Relay) SendOnce(ctx context.Context, cache *dedupe.Cache, p Principal, req SendRequest, emit Emitter) (*MessageResponse, error) {
	if emit == nil {
		emit = nopEmitter{}
	}
	if cache == nil || req.ClientMessageID == "" {
		res, err := r.Send(ctx, p, req, emit)
		if err != nil {
			return nil, err
		}
		resp := res.Response(req.ClientMessageID)
		return &resp, nil
	}

	key := dedupe.Key(p.UserID, req.ClientMessageID)
	state, prior := cache.Claim(key)
	switch state {
	case dedupe.InFlight:
		return nil, ErrDuplicateInFlight
	case dedupe.Done:
		resp := prior.(MessageResponse)
		r.logger.Debug("replaying duplicate send", "user_id", p.UserID, "client_message_id", req.ClientMessageID)
		emit.Emit(EventMessageResponse, resp)
		return &resp, nil
	}

	res, err := r.Send(ctx, p, req, emit)
	if err != nil {
		cache.Release(key)
		return nil, err
	}
	resp := res.Response(req.ClientMessageID)
	cache.Complete(key, resp)
	return &resp, nil
}
