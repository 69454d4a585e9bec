package distsync

import (
	"context"
	"encoding/json"

	"github.com/paygate-dev/paygate/internal/keystore"
)

// event is the wire shape published to <prefix>:events. Every publication
// carries the publisher's instanceId so self-messages can be dropped.
type event struct {
	Type         string          `json:"type"`
	InstanceID   string          `json:"instanceId"`
	Fingerprint  string          `json:"fingerprint,omitempty"`
	GroupID      string          `json:"groupId,omitempty"`
	Credits      int64           `json:"credits,omitempty"`
	TotalSpent   int64           `json:"totalSpent,omitempty"`
	TotalCalls   int64           `json:"totalCalls,omitempty"`
	Token        string          `json:"token,omitempty"`
	Group        json.RawMessage `json:"group,omitempty"`
}

const (
	eventKeyUpdated            = "key_updated"
	eventKeyCreated            = "key_created"
	eventKeyRevoked            = "key_revoked"
	eventCreditsChanged        = "credits_changed"
	eventTokenRevoked          = "token_revoked"
	eventGroupUpdated          = "group_updated"
	eventGroupDeleted          = "group_deleted"
	eventGroupAssignmentChange = "group_assignment_changed"
)

// TokenRevocationHandler forwards token_revoked events to whatever owns the
// scoped-token table; PayGate has no such component wired by default, so a
// nil handler is a valid no-op.
type TokenRevocationHandler func(token string)

// SetTokenRevocationHandler installs the forwarding hook for token_revoked
// events.
func (s *Sync) SetTokenRevocationHandler(fn TokenRevocationHandler) {
	s.tokenRevoked = fn
}

func (s *Sync) handleEvent(ctx context.Context, payload string) {
	var ev event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		s.logger.Warn().Err(err).Msg("distsync.bad_event_payload")
		return
	}
	if ev.InstanceID == s.instanceID {
		return
	}

	switch ev.Type {
	case eventKeyUpdated, eventKeyCreated:
		if err := s.pullOne(ctx, ev.Fingerprint); err != nil {
			s.logger.Warn().Err(err).Str("fingerprint", ev.Fingerprint).Msg("distsync.refresh_on_event_failed")
		}
	case eventKeyRevoked:
		s.keys.ApplyRevoked(ev.Fingerprint)
	case eventCreditsChanged:
		s.keys.ApplyCreditsChanged(ev.Fingerprint, ev.Credits, ev.TotalSpent, ev.TotalCalls)
	case eventTokenRevoked:
		if s.tokenRevoked != nil {
			s.tokenRevoked(ev.Token)
		}
	case eventGroupUpdated, eventGroupAssignmentChange:
		s.reloadGroup(ctx, ev.GroupID, ev.Group)
	case eventGroupDeleted:
		if s.groups != nil {
			s.groups.Delete(ev.GroupID)
		}
	default:
		s.logger.Debug().Str("type", ev.Type).Msg("distsync.unknown_event")
	}
}

func (s *Sync) reloadGroup(_ context.Context, groupID string, raw json.RawMessage) {
	if s.groups == nil || len(raw) == 0 {
		return
	}
	var g keystore.KeyGroup
	if err := json.Unmarshal(raw, &g); err != nil {
		s.logger.Warn().Err(err).Str("group", groupID).Msg("distsync.bad_group_payload")
		return
	}
	_ = s.groups.Upsert(g)
}

// Publish broadcasts an event on the shared events channel, stamped with
// this instance's id.
func (s *Sync) Publish(ctx context.Context, ev event) error {
	ev.InstanceID = s.instanceID
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := s.client.Publish(ctx, s.eventsChannel(), b).Err(); err != nil {
		if s.metrics != nil {
			s.metrics.DistSyncPublishErrors.Inc()
		}
		return err
	}
	if s.metrics != nil {
		s.metrics.DistSyncEventsTotal.WithLabelValues(ev.Type).Inc()
	}
	return nil
}
