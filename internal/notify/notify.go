// Package notify decides who receives a notification and creates the
// per-recipient records plus async delivery jobs.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"teamline/api/internal/store"
	"teamline/api/internal/util"
)

// Kind is the closed set of notification types.
type Kind string

const (
	KindMessage       Kind = "message"
	KindMention       Kind = "mention"
	KindTaskAssigned  Kind = "task_assigned"
	KindTaskUpdated   Kind = "task_updated"
	KindTaskDueSoon   Kind = "task_due_soon"
	KindChannelInvite Kind = "channel_invite"
)

func (k Kind) Valid() bool {
	switch k {
	case KindMessage, KindMention, KindTaskAssigned, KindTaskUpdated, KindTaskDueSoon, KindChannelInvite:
		return true
	default:
		return false
	}
}

// Preference controls which kinds a recipient accepts within a scope.
type Preference string

const (
	PrefAll      Preference = "ALL"
	PrefMentions Preference = "MENTIONS"
	PrefNone     Preference = "NONE"
)

func (p Preference) Valid() bool {
	switch p {
	case PrefAll, PrefMentions, PrefNone:
		return true
	default:
		return false
	}
}

// ShouldNotify is the delivery decision. Suppressed recipients never
// get a notification row at all.
func ShouldNotify(pref Preference, kind Kind) bool {
	switch pref {
	case PrefAll:
		return true
	case PrefMentions:
		return kind == KindMention
	default:
		return false
	}
}

// JobNotificationEmail is the queue job name for async email delivery.
const JobNotificationEmail = "notification-email"

// EmailJob is the payload enqueued per recipient who opted into email.
type EmailJob struct {
	NotificationID string `json:"notificationId"`
	RecipientID    string `json:"recipientId"`
	Title          string `json:"title"`
	Body           string `json:"body"`
	Link           string `json:"link,omitempty"`
}

type Store interface {
	GetPreference(ctx context.Context, userID, workspaceID, channelID string) (*store.NotificationPreference, error)
	UpsertPreference(ctx context.Context, pref store.NotificationPreference) (store.NotificationPreference, error)
	InsertNotifications(ctx context.Context, notifications []store.Notification) error
}

type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload any) error
}

// Event is one domain event fanned out to one or more recipients.
type Event struct {
	Recipients  []string
	WorkspaceID string
	ChannelID   string
	Kind        Kind
	Title       string
	Body        string
	Link        string
	Metadata    map[string]any
}

type Service struct {
	store Store
	queue Enqueuer
	log   *logrus.Logger
}

func NewService(st Store, queue Enqueuer, log *logrus.Logger) *Service {
	return &Service{store: st, queue: queue, log: log}
}

// Resolve returns the effective preference for a (user, workspace,
// channel) scope. A channel-scoped row wins outright; otherwise the
// workspace row applies; if neither exists a default workspace row is
// created lazily.
func (s *Service) Resolve(ctx context.Context, userID, workspaceID, channelID string) (store.NotificationPreference, error) {
	if channelID != "" {
		pref, err := s.store.GetPreference(ctx, userID, workspaceID, channelID)
		if err != nil {
			return store.NotificationPreference{}, err
		}
		if pref != nil {
			return *pref, nil
		}
	}

	pref, err := s.store.GetPreference(ctx, userID, workspaceID, "")
	if err != nil {
		return store.NotificationPreference{}, err
	}
	if pref != nil {
		return *pref, nil
	}

	created, err := s.store.UpsertPreference(ctx, store.NotificationPreference{
		ID:           util.NewID("npref"),
		UserID:       userID,
		WorkspaceID:  workspaceID,
		Preference:   string(PrefAll),
		EmailEnabled: true,
	})
	if err != nil {
		return store.NotificationPreference{}, fmt.Errorf("create default preference: %w", err)
	}
	return created, nil
}

// Fanout creates one notification row per recipient that passes
// preference resolution and enqueues a delivery job per recipient with
// email enabled. The caller is responsible for live pushes; Fanout
// never touches sockets.
func (s *Service) Fanout(ctx context.Context, ev Event) ([]store.Notification, error) {
	if !ev.Kind.Valid() {
		return nil, fmt.Errorf("invalid notification kind %q", ev.Kind)
	}

	var metadata json.RawMessage
	if len(ev.Metadata) > 0 {
		encoded, err := json.Marshal(ev.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
		metadata = encoded
	}

	seen := make(map[string]bool, len(ev.Recipients))
	created := make([]store.Notification, 0, len(ev.Recipients))
	emailTo := make([]string, 0, len(ev.Recipients))

	for _, recipient := range ev.Recipients {
		if recipient == "" || seen[recipient] {
			continue
		}
		seen[recipient] = true

		pref, err := s.Resolve(ctx, recipient, ev.WorkspaceID, ev.ChannelID)
		if err != nil {
			s.log.WithFields(logrus.Fields{"user": recipient, "workspace": ev.WorkspaceID}).
				WithError(err).Error("preference resolution failed, skipping recipient")
			continue
		}
		if !ShouldNotify(Preference(pref.Preference), ev.Kind) {
			continue
		}

		created = append(created, store.Notification{
			ID:          util.NewID("ntf"),
			UserID:      recipient,
			WorkspaceID: ev.WorkspaceID,
			Type:        string(ev.Kind),
			Title:       ev.Title,
			Body:        ev.Body,
			Link:        ev.Link,
			Metadata:    metadata,
		})
		if pref.EmailEnabled {
			emailTo = append(emailTo, recipient)
		}
	}

	if len(created) == 0 {
		return []store.Notification{}, nil
	}

	if err := s.store.InsertNotifications(ctx, created); err != nil {
		return nil, fmt.Errorf("insert notifications: %w", err)
	}

	byRecipient := make(map[string]store.Notification, len(created))
	for _, n := range created {
		byRecipient[n.UserID] = n
	}
	for _, recipient := range emailTo {
		n := byRecipient[recipient]
		job := EmailJob{
			NotificationID: n.ID,
			RecipientID:    recipient,
			Title:          ev.Title,
			Body:           ev.Body,
			Link:           ev.Link,
		}
		if err := s.queue.Enqueue(ctx, JobNotificationEmail, job); err != nil {
			// Delivery is fire-and-forget relative to the row.
			s.log.WithFields(logrus.Fields{"user": recipient, "notification": n.ID}).
				WithError(err).Error("enqueue email delivery failed")
		}
	}

	return created, nil
}
