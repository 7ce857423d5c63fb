package reminder

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"teamline/api/internal/notify"
	"teamline/api/internal/store"
	"teamline/api/internal/util"
)

// fakeReminderStore honors the fence columns the way the real query
// does: a task whose fence is set is invisible to that window.
type fakeReminderStore struct {
	mu    sync.Mutex
	tasks map[string]store.Task
}

func newFakeReminderStore() *fakeReminderStore {
	return &fakeReminderStore{tasks: map[string]store.Task{}}
}

func (f *fakeReminderStore) add(t store.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[t.ID] = t
}

func (f *fakeReminderStore) fenceOf(t store.Task, fence store.ReminderFence) *time.Time {
	if fence == store.Fence1h {
		return t.Reminder1hSentAt
	}
	return t.Reminder24hSentAt
}

func (f *fakeReminderStore) TasksDueBetween(ctx context.Context, from, to time.Time, fence store.ReminderFence) ([]store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Task
	for _, t := range f.tasks {
		if t.DueAt == nil || f.fenceOf(t, fence) != nil {
			continue
		}
		if t.DueAt.After(from) && !t.DueAt.After(to) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeReminderStore) MarkReminded(ctx context.Context, taskIDs []string, fence store.ReminderFence, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range taskIDs {
		t, ok := f.tasks[id]
		if !ok {
			continue
		}
		stamp := at
		if fence == store.Fence1h {
			t.Reminder1hSentAt = &stamp
		} else {
			t.Reminder24hSentAt = &stamp
		}
		f.tasks[id] = t
	}
	return nil
}

type fanoutCall struct {
	kind       notify.Kind
	recipients []string
	taskID     string
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []fanoutCall
}

func (f *fakeNotifier) Fanout(ctx context.Context, ev notify.Event) ([]store.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	taskID, _ := ev.Metadata["taskId"].(string)
	f.calls = append(f.calls, fanoutCall{kind: ev.Kind, recipients: ev.Recipients, taskID: taskID})
	var out []store.Notification
	for _, r := range ev.Recipients {
		out = append(out, store.Notification{ID: util.NewID("ntf"), UserID: r, Type: string(ev.Kind)})
	}
	return out, nil
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	pushes map[string]int
}

func (f *fakeBroadcaster) EmitToUser(userID, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushes == nil {
		f.pushes = map[string]int{}
	}
	f.pushes[userID+"|"+event]++
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestScanner(st *fakeReminderStore, base time.Time) (*Scanner, *fakeNotifier, *fakeBroadcaster) {
	notifier := &fakeNotifier{}
	broadcast := &fakeBroadcaster{}
	sc := NewScanner(st, notifier, broadcast, time.Minute, quietLogger())
	sc.now = func() time.Time { return base }
	return sc, notifier, broadcast
}

func taskDue(id string, due time.Time, assignee string, watchers ...string) store.Task {
	t := store.Task{
		ID:          id,
		ProjectID:   "proj_1",
		WorkspaceID: "ws_1",
		Title:       "task " + id,
		Status:      "todo",
		DueAt:       &due,
		WatcherIDs:  watchers,
	}
	if assignee != "" {
		t.AssigneeID = &assignee
	}
	return t
}

func TestScanIsIdempotentAcrossRuns(t *testing.T) {
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	st := newFakeReminderStore()
	st.add(taskDue("task_1", base.Add(30*time.Minute), "u1"))
	sc, notifier, _ := newTestScanner(st, base)

	ctx := context.Background()
	sc.scan(ctx)
	sc.scan(ctx)
	sc.scan(ctx)

	if len(notifier.calls) != 1 {
		t.Fatalf("fan-outs = %d, want 1 despite repeated scans", len(notifier.calls))
	}
}

func TestWindowsAreDisjoint(t *testing.T) {
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	st := newFakeReminderStore()
	st.add(taskDue("task_soon", base.Add(30*time.Minute), "u1"))  // 1h window only
	st.add(taskDue("task_later", base.Add(10*time.Hour), "u2"))   // 24h window only
	st.add(taskDue("task_past", base.Add(-10*time.Minute), "u3")) // overdue, neither
	sc, notifier, _ := newTestScanner(st, base)

	sc.scan(context.Background())

	if len(notifier.calls) != 2 {
		t.Fatalf("fan-outs = %d, want 2", len(notifier.calls))
	}
	byTask := map[string]int{}
	for _, c := range notifier.calls {
		byTask[c.taskID]++
	}
	if byTask["task_soon"] != 1 || byTask["task_later"] != 1 {
		t.Fatalf("per-task fan-outs = %v", byTask)
	}
	if byTask["task_past"] != 0 {
		t.Fatal("overdue task received a reminder")
	}
}

func TestTaskGetsBothWindowsAsTimeAdvances(t *testing.T) {
	due := time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC)
	st := newFakeReminderStore()
	st.add(taskDue("task_1", due, "u1"))

	notifier := &fakeNotifier{}
	broadcast := &fakeBroadcaster{}
	sc := NewScanner(st, notifier, broadcast, time.Minute, quietLogger())

	// 20 hours out: 24h reminder fires.
	sc.now = func() time.Time { return due.Add(-20 * time.Hour) }
	sc.scan(context.Background())

	// 40 minutes out: 1h reminder fires.
	sc.now = func() time.Time { return due.Add(-40 * time.Minute) }
	sc.scan(context.Background())
	sc.scan(context.Background())

	if len(notifier.calls) != 2 {
		t.Fatalf("fan-outs = %d, want one per window", len(notifier.calls))
	}
	if got := broadcast.pushes["u1|notification:new"]; got != 2 {
		t.Fatalf("pushes = %d, want 2", got)
	}
}

func TestFenceResetReenablesReminder(t *testing.T) {
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	st := newFakeReminderStore()
	st.add(taskDue("task_1", base.Add(30*time.Minute), "u1"))
	sc, notifier, _ := newTestScanner(st, base)

	sc.scan(context.Background())
	if len(notifier.calls) != 1 {
		t.Fatalf("fan-outs = %d, want 1", len(notifier.calls))
	}

	// A due date change clears the fences; the new date is eligible
	// again.
	st.mu.Lock()
	task := st.tasks["task_1"]
	newDue := base.Add(45 * time.Minute)
	task.DueAt = &newDue
	task.Reminder1hSentAt = nil
	task.Reminder24hSentAt = nil
	st.tasks["task_1"] = task
	st.mu.Unlock()

	sc.scan(context.Background())
	if len(notifier.calls) != 2 {
		t.Fatalf("fan-outs = %d, want 2 after fence reset", len(notifier.calls))
	}
}

func TestRecipientsDeduplicateAssigneeWatcher(t *testing.T) {
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	st := newFakeReminderStore()
	st.add(taskDue("task_1", base.Add(30*time.Minute), "u1", "u1", "u2"))
	sc, notifier, broadcast := newTestScanner(st, base)

	sc.scan(context.Background())

	if len(notifier.calls) != 1 {
		t.Fatalf("fan-outs = %d, want 1", len(notifier.calls))
	}
	got := notifier.calls[0].recipients
	if len(got) != 2 {
		t.Fatalf("recipients = %v, want assignee+watcher deduped to 2", got)
	}
	if broadcast.pushes["u1|notification:new"] != 1 || broadcast.pushes["u2|notification:new"] != 1 {
		t.Fatalf("pushes = %v, want one per recipient", broadcast.pushes)
	}
}

func TestNoRecipientsStillFences(t *testing.T) {
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	st := newFakeReminderStore()
	st.add(taskDue("task_1", base.Add(30*time.Minute), ""))
	sc, notifier, _ := newTestScanner(st, base)

	sc.scan(context.Background())
	sc.scan(context.Background())

	if len(notifier.calls) != 0 {
		t.Fatalf("fan-outs = %d, want 0 for a task with no assignee or watchers", len(notifier.calls))
	}
	st.mu.Lock()
	fenced := st.tasks["task_1"].Reminder1hSentAt != nil
	st.mu.Unlock()
	if !fenced {
		t.Fatal("recipient-less task not fenced, it would be re-scanned forever")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	st := newFakeReminderStore()
	sc, _, _ := newTestScanner(st, time.Now())
	sc.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sc.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
