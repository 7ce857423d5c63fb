// Package reminder runs the periodic due-date scan that produces
// task_due_soon notifications.
package reminder

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"teamline/api/internal/notify"
	"teamline/api/internal/store"
)

type Store interface {
	TasksDueBetween(ctx context.Context, from, to time.Time, fence store.ReminderFence) ([]store.Task, error)
	MarkReminded(ctx context.Context, taskIDs []string, fence store.ReminderFence, at time.Time) error
}

type Notifier interface {
	Fanout(ctx context.Context, ev notify.Event) ([]store.Notification, error)
}

type Broadcaster interface {
	EmitToUser(userID, event string, payload any)
}

// Scanner wakes on an interval and emits reminders for tasks entering
// the 1-hour and 24-hour windows. Fence columns make each window
// fire at most once per task per due date; the scan itself is
// at-least-once, so a crash between fan-out and fencing can repeat a
// reminder on the next run.
type Scanner struct {
	store     Store
	notifier  Notifier
	broadcast Broadcaster
	interval  time.Duration
	log       *logrus.Logger

	now func() time.Time
}

func NewScanner(st Store, notifier Notifier, broadcast Broadcaster, interval time.Duration, log *logrus.Logger) *Scanner {
	return &Scanner{
		store:     st,
		notifier:  notifier,
		broadcast: broadcast,
		interval:  interval,
		log:       log,
		now:       time.Now,
	}
}

// Run blocks until ctx is cancelled. The first scan happens
// immediately so a restart does not wait a full interval.
func (s *Scanner) Run(ctx context.Context) {
	s.scan(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

func (s *Scanner) scan(ctx context.Context) {
	now := s.now().UTC()

	// The two windows are disjoint: (now, now+1h] and (now+1h, now+24h].
	// A task due in 30 minutes gets only the 1-hour reminder.
	if err := s.scanWindow(ctx, now, now.Add(time.Hour), store.Fence1h, "in the next hour"); err != nil {
		s.log.WithError(err).Error("1h reminder scan failed")
	}
	if err := s.scanWindow(ctx, now.Add(time.Hour), now.Add(24*time.Hour), store.Fence24h, "in the next 24 hours"); err != nil {
		s.log.WithError(err).Error("24h reminder scan failed")
	}
}

func (s *Scanner) scanWindow(ctx context.Context, from, to time.Time, fence store.ReminderFence, horizon string) error {
	tasks, err := s.store.TasksDueBetween(ctx, from, to, fence)
	if err != nil {
		return fmt.Errorf("query due tasks: %w", err)
	}
	if len(tasks) == 0 {
		return nil
	}

	fenced := make([]string, 0, len(tasks))
	for _, task := range tasks {
		s.remind(ctx, task, horizon)
		// Tasks with nobody to notify are fenced too; re-scanning them
		// every interval buys nothing.
		fenced = append(fenced, task.ID)
	}

	if err := s.store.MarkReminded(ctx, fenced, fence, s.now().UTC()); err != nil {
		return fmt.Errorf("mark reminded: %w", err)
	}

	s.log.WithFields(logrus.Fields{"fence": string(fence), "tasks": len(fenced)}).
		Info("due-date reminders sent")
	return nil
}

func (s *Scanner) remind(ctx context.Context, task store.Task, horizon string) {
	recipients := recipientsFor(task)
	if len(recipients) == 0 {
		return
	}

	created, err := s.notifier.Fanout(ctx, notify.Event{
		Recipients:  recipients,
		WorkspaceID: task.WorkspaceID,
		Kind:        notify.KindTaskDueSoon,
		Title:       fmt.Sprintf("%q is due %s", task.Title, horizon),
		Body:        dueBody(task),
		Link:        "/projects/" + task.ProjectID + "/tasks/" + task.ID,
		Metadata:    map[string]any{"taskId": task.ID, "projectId": task.ProjectID},
	})
	if err != nil {
		s.log.WithFields(logrus.Fields{"task": task.ID}).WithError(err).Error("reminder fan-out failed")
		return
	}
	for _, n := range created {
		s.broadcast.EmitToUser(n.UserID, "notification:new", n)
	}
}

// recipientsFor is the assignee plus all watchers, deduplicated. A
// watching assignee gets one reminder, not two.
func recipientsFor(task store.Task) []string {
	seen := make(map[string]bool, len(task.WatcherIDs)+1)
	out := make([]string, 0, len(task.WatcherIDs)+1)
	if task.AssigneeID != nil && *task.AssigneeID != "" {
		seen[*task.AssigneeID] = true
		out = append(out, *task.AssigneeID)
	}
	for _, watcher := range task.WatcherIDs {
		if watcher == "" || seen[watcher] {
			continue
		}
		seen[watcher] = true
		out = append(out, watcher)
	}
	return out
}

func dueBody(task store.Task) string {
	if task.DueAt == nil {
		return ""
	}
	return "Due " + task.DueAt.UTC().Format("Mon Jan 2 15:04 MST")
}
