package presence

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/zot/scholar-hub/internal/errs"
	"github.com/zot/scholar-hub/internal/logging"
	"github.com/zot/scholar-hub/internal/protocol"
)

// Dispatch runs one inbound event for the session. Errors are returned to
// the caller, who reports them to this session only.
func (svc *Service) Dispatch(ctx context.Context, s *Session, ev *protocol.Event) error {
	svc.log.At(logging.LevelEvents, "event", zap.String("user", s.UserID), zap.String("event", ev.Event))
	if svc.metrics != nil {
		svc.metrics.Events.WithLabelValues(ev.Event).Inc()
	}

	switch ev.Event {
	case protocol.JoinCollaboration:
		var req protocol.CollaborationRequest
		if err := ev.Decode(&req); err != nil {
			return err
		}
		return svc.JoinCollaboration(ctx, s, req.CollaborationID)

	case protocol.LeaveCollaboration:
		var req protocol.CollaborationRequest
		if err := ev.Decode(&req); err != nil {
			return err
		}
		return svc.LeaveCollaboration(s, req.CollaborationID)

	case protocol.CollaborationMessage:
		var req protocol.CollaborationMessageRequest
		if err := ev.Decode(&req); err != nil {
			return err
		}
		_, err := svc.SendCollaborationMessage(ctx, s, req)
		return err

	case protocol.CollaborationTyping:
		var req protocol.TypingRequest
		if err := ev.Decode(&req); err != nil {
			return err
		}
		return svc.Typing(s, req.CollaborationID, req.IsTyping)

	case protocol.DocumentEdit, protocol.DocumentSave, protocol.DocumentLock, protocol.DocumentUnlock:
		var req protocol.DocumentRequest
		if err := ev.Decode(&req); err != nil {
			return err
		}
		return svc.DocumentAction(s, ev.Event, req)

	case protocol.UserStatus:
		var req protocol.UserStatusRequest
		if err := ev.Decode(&req); err != nil {
			return err
		}
		return svc.UpdateUserStatus(s, req.Status)

	case protocol.GetOnlineUsers:
		s.Send(protocol.Reply(ev, protocol.OnlineUsers, protocol.OnlineUsersEvent{Users: svc.OnlineUsers()}))
		return nil

	case protocol.GetCollaborationHistory:
		var req protocol.HistoryRequest
		if err := ev.Decode(&req); err != nil {
			return err
		}
		messages, err := svc.CollaborationHistory(ctx, s, req.CollaborationID, req.Limit)
		if err != nil {
			return err
		}
		s.Send(protocol.Reply(ev, protocol.CollaborationHistory, protocol.CollaborationHistoryEvent{
			CollaborationID: req.CollaborationID,
			Messages:        messages,
		}))
		return nil

	default:
		return fmt.Errorf("unknown event %q: %w", ev.Event, errs.ErrValidation)
	}
}
