package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"teamline/api/internal/queue"
	"teamline/api/internal/store"
)

type Mailer interface {
	IsConfigured() bool
	SendNotificationEmail(to, title, body, link string) error
}

type UserLookup interface {
	GetUser(ctx context.Context, userID string) (store.User, error)
}

// EmailWorker consumes notification-email jobs. The queue is
// at-least-once, so a redelivered job may send the same mail twice;
// recipients tolerate that.
type EmailWorker struct {
	users  UserLookup
	mailer Mailer
	log    *logrus.Logger
}

func NewEmailWorker(users UserLookup, mailer Mailer, log *logrus.Logger) *EmailWorker {
	return &EmailWorker{users: users, mailer: mailer, log: log}
}

func (w *EmailWorker) Handle(ctx context.Context, job queue.Job) error {
	if !w.mailer.IsConfigured() {
		w.log.WithField("job", job.ID).Debug("smtp not configured, dropping email job")
		return nil
	}

	var payload EmailJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode email job: %w", err)
	}

	user, err := w.users.GetUser(ctx, payload.RecipientID)
	if err != nil {
		return fmt.Errorf("lookup recipient %s: %w", payload.RecipientID, err)
	}

	if err := w.mailer.SendNotificationEmail(user.Email, payload.Title, payload.Body, payload.Link); err != nil {
		return fmt.Errorf("send notification email to %s: %w", user.Email, err)
	}

	w.log.WithFields(logrus.Fields{
		"notification": payload.NotificationID,
		"recipient":    payload.RecipientID,
	}).Debug("notification email delivered")
	return nil
}
