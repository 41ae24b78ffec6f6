package handoff

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/dennisdiepolder/monti/handoff/internal/types"
)

// HandleInbound processes one frame received from a live connection. Chat text is persisted through the
// conversation store before it is forwarded to the other side; typing indicators are forwarded only.
func (s *Service) HandleInbound(ctx context.Context, key types.ConnectionKey, msg types.Message) error {
	actor := Actor{TenantID: key.TenantID, ParticipantID: key.ParticipantID, Role: key.Role, SessionID: key.SessionID}

	switch msg.Type {
	case types.MessageText:
		var p types.TextPayload
		if err := decodePayload("text", msg, &p); err != nil {
			return err
		}
		if strings.TrimSpace(p.Content) == "" {
			return newError(KindValidation, "text", "content is required")
		}
		if key.Role == types.RoleCustomer {
			return s.customerText(ctx, key, p)
		}
		return s.agentText(ctx, actor, msg.RequestID, p)

	case types.MessageTyping:
		var p types.TypingPayload
		if err := decodePayload("typing", msg, &p); err != nil {
			return err
		}
		if key.Role == types.RoleCustomer {
			_, agentID, err := s.humanOwner(ctx, "typing", key)
			if err != nil {
				return err
			}
			p.SessionID = key.SessionID
			return s.forward(types.MessageTyping, "", p, func(m types.Message) bool {
				return s.notifier.NotifyAgent(key.TenantID, agentID, m)
			})
		}
		req, err := s.ownedActive(ctx, "typing", actor, msg.RequestID)
		if err != nil {
			return err
		}
		p.SessionID = req.SessionID
		return s.forward(types.MessageTyping, req.ID, p, func(m types.Message) bool {
			return s.notifier.NotifyCustomer(req.TenantID, req.SessionID, m)
		})

	case types.MessageHeartbeat:
		if key.Role == types.RoleAgent {
			return s.Heartbeat(ctx, actor)
		}
		return nil

	case types.MessageAck:
		return nil
	}
	return newError(KindValidation, "inbound", "unsupported message type "+string(msg.Type))
}

func (s *Service) customerText(ctx context.Context, key types.ConnectionKey, p types.TextPayload) error {
	const op = "text"

	_, agentID, err := s.humanOwner(ctx, op, key)
	if err != nil {
		return err
	}
	if err := s.conversations.AppendMessage(ctx, &types.ConversationMessage{
		TenantID:   key.TenantID,
		SessionID:  key.SessionID,
		SenderKind: types.SenderCustomer,
		SenderID:   key.ParticipantID,
		Content:    p.Content,
	}); err != nil {
		return wrapError(KindUnavailable, op, "failed to record message", err)
	}

	out := types.TextPayload{Content: p.Content, SessionID: key.SessionID, SenderID: key.ParticipantID}
	return s.forward(types.MessageText, "", out, func(m types.Message) bool {
		return s.notifier.NotifyAgent(key.TenantID, agentID, m)
	})
}

func (s *Service) agentText(ctx context.Context, actor Actor, requestID string, p types.TextPayload) error {
	const op = "text"

	req, err := s.ownedActive(ctx, op, actor, requestID)
	if err != nil {
		return err
	}
	if req.Status == types.HandoffAccepted {
		if started, err := s.Start(ctx, actor, req.ID); err == nil {
			req = started
		} else if KindOf(err) != KindConflict {
			return err
		}
	}
	if err := s.conversations.AppendMessage(ctx, &types.ConversationMessage{
		TenantID:   req.TenantID,
		SessionID:  req.SessionID,
		SenderKind: types.SenderAgent,
		SenderID:   actor.ParticipantID,
		Content:    p.Content,
	}); err != nil {
		return wrapError(KindUnavailable, op, "failed to record message", err)
	}

	out := types.TextPayload{Content: p.Content, SessionID: req.SessionID, SenderID: actor.ParticipantID}
	return s.forward(types.MessageText, req.ID, out, func(m types.Message) bool {
		return s.notifier.NotifyCustomer(req.TenantID, req.SessionID, m)
	})
}

// humanOwner returns the agent that owns the customer's conversation
func (s *Service) humanOwner(ctx context.Context, op string, key types.ConnectionKey) (types.ConversationMode, string, error) {
	if key.SessionID == "" {
		return "", "", newError(KindValidation, op, "customer connection has no session")
	}
	mode, agentID, err := s.conversations.GetConversationOwner(ctx, key.TenantID, key.SessionID)
	if err != nil {
		return "", "", wrapError(KindUnavailable, op, "failed to read conversation owner", err)
	}
	if mode != types.ConversationHuman || agentID == "" {
		return mode, "", newError(KindConflict, op, "no agent owns this conversation")
	}
	return mode, agentID, nil
}

// ownedActive loads a request the agent is actively working
func (s *Service) ownedActive(ctx context.Context, op string, actor Actor, requestID string) (*types.HandoffRequest, error) {
	if actor.Role != types.RoleAgent {
		return nil, newError(KindForbidden, op, "requires role AGENT")
	}
	if requestID == "" {
		return nil, newError(KindValidation, op, "requestId is required")
	}
	req, err := s.load(ctx, op, requestID)
	if err != nil {
		return nil, err
	}
	if err := sameTenant(op, actor, req); err != nil {
		return nil, err
	}
	if req.AgentID != actor.ParticipantID {
		return nil, newError(KindForbidden, op, "request is not assigned to you")
	}
	if !req.Status.HoldsCapacity() {
		return nil, newError(KindConflict, op, "request is "+string(req.Status)+", not active")
	}
	return req, nil
}

// forward sends best-effort; an offline peer is not an error
func (s *Service) forward(t types.MessageType, requestID string, payload any, send func(types.Message) bool) error {
	m, err := types.NewMessage(t, requestID, payload)
	if err != nil {
		return wrapError(KindInternal, "forward", "failed to build message", err)
	}
	if !send(m) {
		s.logger.Debug().Str("type", string(t)).Str("request_id", requestID).Msg("Peer not connected, message not delivered")
	}
	return nil
}

func decodePayload(op string, msg types.Message, v any) error {
	if len(msg.Payload) == 0 {
		return newError(KindValidation, op, "payload is required")
	}
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return wrapError(KindValidation, op, "malformed payload", err)
	}
	return nil
}
