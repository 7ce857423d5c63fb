package board

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"teamline/api/internal/notify"
	"teamline/api/internal/store"
	"teamline/api/internal/util"
)

type fakeStore struct {
	mu         sync.Mutex
	projects   map[string]store.Project
	members    map[string]bool // workspaceID|userID
	tasks      map[string]store.Task
	activities []store.Activity

	maxOrderFn       func(ctx context.Context, projectID, status string) (int, error)
	updatePositionFn func(ctx context.Context, taskID string, order int, status *string) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		projects: map[string]store.Project{},
		members:  map[string]bool{},
		tasks:    map[string]store.Task{},
	}
}

func (f *fakeStore) addMember(workspaceID, userID string) {
	f.members[workspaceID+"|"+userID] = true
}

func (f *fakeStore) GetProject(ctx context.Context, id string) (store.Project, error) {
	p, ok := f.projects[id]
	if !ok {
		return store.Project{}, sql.ErrNoRows
	}
	return p, nil
}

func (f *fakeStore) GetTask(ctx context.Context, id string) (store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return store.Task{}, sql.ErrNoRows
	}
	return t, nil
}

func (f *fakeStore) ListProjectTasks(ctx context.Context, projectID string) ([]store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Task
	for _, t := range f.tasks {
		if t.ProjectID == projectID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) ListTasksByIDs(ctx context.Context, projectID string, ids []string) ([]store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Task
	for _, id := range ids {
		if t, ok := f.tasks[id]; ok && t.ProjectID == projectID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) MaxOrder(ctx context.Context, projectID, status string) (int, error) {
	if f.maxOrderFn != nil {
		return f.maxOrderFn(ctx, projectID, status)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	max := -1
	for _, t := range f.tasks {
		if t.ProjectID == projectID && t.Status == status && t.Order > max {
			max = t.Order
		}
	}
	return max, nil
}

func (f *fakeStore) InsertTask(ctx context.Context, t store.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[t.ID] = t
	return nil
}

func (f *fakeStore) UpdateTask(ctx context.Context, id string, upd store.TaskUpdate) (store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return store.Task{}, sql.ErrNoRows
	}
	if upd.Title != nil {
		t.Title = *upd.Title
	}
	if upd.Description != nil {
		t.Description = *upd.Description
	}
	if upd.Status != nil {
		t.Status = *upd.Status
	}
	if upd.Order != nil {
		t.Order = *upd.Order
	}
	if upd.AssigneeSet {
		t.AssigneeID = upd.AssigneeID
	}
	if upd.WatcherIDs != nil {
		t.WatcherIDs = *upd.WatcherIDs
	}
	if upd.DueAtSet {
		t.DueAt = upd.DueAt
		t.Reminder24hSentAt = nil
		t.Reminder1hSentAt = nil
	}
	f.tasks[id] = t
	return t, nil
}

func (f *fakeStore) UpdateTaskPosition(ctx context.Context, taskID string, order int, status *string) error {
	if f.updatePositionFn != nil {
		return f.updatePositionFn(ctx, taskID, order, status)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return sql.ErrNoRows
	}
	t.Order = order
	if status != nil {
		t.Status = *status
	}
	f.tasks[taskID] = t
	return nil
}

func (f *fakeStore) DeleteTask(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[id]; !ok {
		return sql.ErrNoRows
	}
	delete(f.tasks, id)
	return nil
}

func (f *fakeStore) GetMember(ctx context.Context, workspaceID, userID string) (store.Member, error) {
	if !f.members[workspaceID+"|"+userID] {
		return store.Member{}, sql.ErrNoRows
	}
	return store.Member{WorkspaceID: workspaceID, UserID: userID, Role: "member"}, nil
}

func (f *fakeStore) InsertActivity(ctx context.Context, a store.Activity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activities = append(f.activities, a)
	return nil
}

func (f *fakeStore) activitiesOfType(t string) []store.Activity {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Activity
	for _, a := range f.activities {
		if a.Type == t {
			out = append(out, a)
		}
	}
	return out
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notify.Event
	err    error
}

func (f *fakeNotifier) Fanout(ctx context.Context, ev notify.Event) ([]store.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.events = append(f.events, ev)
	var out []store.Notification
	for _, r := range ev.Recipients {
		out = append(out, store.Notification{
			ID:     util.NewID("ntf"),
			UserID: r,
			Type:   string(ev.Kind),
			Title:  ev.Title,
		})
	}
	return out, nil
}

type emit struct {
	target  string
	event   string
	payload any
}

type fakeBroadcaster struct {
	mu      sync.Mutex
	toUser  []emit
	toProj  []emit
	toSpace []emit
}

func (f *fakeBroadcaster) EmitToUser(id, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toUser = append(f.toUser, emit{id, event, payload})
}

func (f *fakeBroadcaster) EmitToProject(id, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toProj = append(f.toProj, emit{id, event, payload})
}

func (f *fakeBroadcaster) EmitToWorkspace(id, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toSpace = append(f.toSpace, emit{id, event, payload})
}

func (f *fakeBroadcaster) userEvents(userID, event string) []emit {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []emit
	for _, e := range f.toUser {
		if e.target == userID && e.event == event {
			out = append(out, e)
		}
	}
	return out
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestService(st *fakeStore) (*Service, *fakeNotifier, *fakeBroadcaster) {
	notifier := &fakeNotifier{}
	broadcast := &fakeBroadcaster{}
	return NewService(st, notifier, broadcast, nil, quietLogger()), notifier, broadcast
}

func seedProject(st *fakeStore) store.Project {
	p := store.Project{ID: "proj_1", WorkspaceID: "ws_1", Name: "Launch"}
	st.projects[p.ID] = p
	return p
}

func TestCreateTaskAppendsOrder(t *testing.T) {
	st := newFakeStore()
	seedProject(st)
	st.addMember("ws_1", "user_1")
	svc, _, _ := newTestService(st)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		task, err := svc.CreateTask(ctx, "user_1", CreateInput{ProjectID: "proj_1", Title: "t"})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if task.Order != i {
			t.Fatalf("task %d: order = %d, want %d", i, task.Order, i)
		}
		if task.Status != string(StatusTodo) {
			t.Fatalf("status = %q, want todo", task.Status)
		}
	}

	// A different bucket starts its own sequence.
	status := StatusDone
	task, err := svc.CreateTask(ctx, "user_1", CreateInput{ProjectID: "proj_1", Title: "d", Status: status})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.Order != 0 {
		t.Fatalf("done bucket order = %d, want 0", task.Order)
	}
}

func TestCreateTaskRejectsNonMemberAssignee(t *testing.T) {
	st := newFakeStore()
	seedProject(st)
	svc, _, _ := newTestService(st)

	outsider := "user_out"
	_, err := svc.CreateTask(context.Background(), "user_1", CreateInput{
		ProjectID:  "proj_1",
		Title:      "t",
		AssigneeID: &outsider,
	})
	if !errors.Is(err, ErrNotMember) {
		t.Fatalf("err = %v, want ErrNotMember", err)
	}
	if len(st.tasks) != 0 {
		t.Fatal("task was inserted despite validation failure")
	}
}

func TestCreateTaskInheritsWorkspaceFromProject(t *testing.T) {
	st := newFakeStore()
	seedProject(st)
	svc, _, _ := newTestService(st)

	task, err := svc.CreateTask(context.Background(), "user_1", CreateInput{ProjectID: "proj_1", Title: "t"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.WorkspaceID != "ws_1" {
		t.Fatalf("workspace = %q, want ws_1", task.WorkspaceID)
	}
}

func TestCreateTaskNotifiesAssignee(t *testing.T) {
	st := newFakeStore()
	seedProject(st)
	st.addMember("ws_1", "user_2")
	svc, notifier, broadcast := newTestService(st)

	assignee := "user_2"
	_, err := svc.CreateTask(context.Background(), "user_1", CreateInput{
		ProjectID:  "proj_1",
		Title:      "t",
		AssigneeID: &assignee,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(notifier.events) != 1 || notifier.events[0].Kind != notify.KindTaskAssigned {
		t.Fatalf("events = %+v, want one task_assigned", notifier.events)
	}
	if got := broadcast.userEvents("user_2", "notification:new"); len(got) != 1 {
		t.Fatalf("pushes to assignee = %d, want 1", len(got))
	}
}

func TestCreateTaskSelfAssignSkipsNotification(t *testing.T) {
	st := newFakeStore()
	seedProject(st)
	st.addMember("ws_1", "user_1")
	svc, notifier, _ := newTestService(st)

	self := "user_1"
	_, err := svc.CreateTask(context.Background(), "user_1", CreateInput{
		ProjectID:  "proj_1",
		Title:      "t",
		AssigneeID: &self,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(notifier.events) != 0 {
		t.Fatalf("events = %+v, want none for self-assignment", notifier.events)
	}
}

// Moving a task between columns notifies watchers, writes one activity
// entry and pushes notification:new to each watcher except the actor.
func TestStatusChangeSideEffects(t *testing.T) {
	st := newFakeStore()
	seedProject(st)
	st.addMember("ws_1", "user_1")
	st.addMember("ws_1", "user_2")
	st.tasks["task_1"] = store.Task{
		ID:          "task_1",
		ProjectID:   "proj_1",
		WorkspaceID: "ws_1",
		Title:       "Ship it",
		Status:      string(StatusTodo),
		WatcherIDs:  []string{"user_1", "user_2"},
	}
	svc, notifier, broadcast := newTestService(st)

	status := StatusInProgress
	next, err := svc.UpdateTask(context.Background(), "user_1", "task_1", UpdateInput{Status: &status})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if next.Status != string(StatusInProgress) {
		t.Fatalf("status = %q", next.Status)
	}

	moved := st.activitiesOfType(ActivityTaskMoved)
	if len(moved) != 1 {
		t.Fatalf("TASK_MOVED entries = %d, want 1", len(moved))
	}

	if len(notifier.events) != 1 {
		t.Fatalf("fan-out events = %d, want 1", len(notifier.events))
	}
	ev := notifier.events[0]
	if ev.Kind != notify.KindTaskUpdated {
		t.Fatalf("kind = %q", ev.Kind)
	}
	if len(ev.Recipients) != 1 || ev.Recipients[0] != "user_2" {
		t.Fatalf("recipients = %v, want only user_2 (actor excluded)", ev.Recipients)
	}

	if got := broadcast.userEvents("user_2", "notification:new"); len(got) != 1 {
		t.Fatalf("pushes to user_2 = %d, want 1", len(got))
	}
	if got := broadcast.userEvents("user_1", "notification:new"); len(got) != 0 {
		t.Fatalf("actor received %d pushes, want 0", len(got))
	}
}

func TestStatusChangeAppendsToTargetBucket(t *testing.T) {
	st := newFakeStore()
	seedProject(st)
	st.tasks["task_a"] = store.Task{ID: "task_a", ProjectID: "proj_1", WorkspaceID: "ws_1", Status: "done", Order: 0}
	st.tasks["task_b"] = store.Task{ID: "task_b", ProjectID: "proj_1", WorkspaceID: "ws_1", Status: "done", Order: 1}
	st.tasks["task_c"] = store.Task{ID: "task_c", ProjectID: "proj_1", WorkspaceID: "ws_1", Status: "todo", Order: 0}
	svc, _, _ := newTestService(st)

	status := StatusDone
	next, err := svc.UpdateTask(context.Background(), "user_1", "task_c", UpdateInput{Status: &status})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if next.Order != 2 {
		t.Fatalf("order = %d, want append at 2", next.Order)
	}
}

func TestUpdateTaskClearsReminderFencesOnDueAtChange(t *testing.T) {
	st := newFakeStore()
	seedProject(st)
	now := time.Now().UTC()
	st.tasks["task_1"] = store.Task{
		ID: "task_1", ProjectID: "proj_1", WorkspaceID: "ws_1", Status: "todo",
		DueAt: &now, Reminder24hSentAt: &now, Reminder1hSentAt: &now,
	}
	svc, _, _ := newTestService(st)

	later := now.Add(48 * time.Hour)
	next, err := svc.UpdateTask(context.Background(), "user_1", "task_1", UpdateInput{
		DueAtSet: true,
		DueAt:    &later,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if next.Reminder24hSentAt != nil || next.Reminder1hSentAt != nil {
		t.Fatal("reminder fences not cleared after due date change")
	}
}

func TestReorderRejectsForeignTask(t *testing.T) {
	st := newFakeStore()
	seedProject(st)
	st.projects["proj_2"] = store.Project{ID: "proj_2", WorkspaceID: "ws_1"}
	st.tasks["task_1"] = store.Task{ID: "task_1", ProjectID: "proj_1", WorkspaceID: "ws_1", Status: "todo", Order: 0}
	st.tasks["task_x"] = store.Task{ID: "task_x", ProjectID: "proj_2", WorkspaceID: "ws_1", Status: "todo", Order: 0}
	svc, _, _ := newTestService(st)

	err := svc.Reorder(context.Background(), "user_1", "proj_1", []ReorderItem{
		{TaskID: "task_1", Order: 5},
		{TaskID: "task_x", Order: 6},
	})
	if !errors.Is(err, ErrTaskOutsideProject) {
		t.Fatalf("err = %v, want ErrTaskOutsideProject", err)
	}
	// Rejection happens before any write.
	if st.tasks["task_1"].Order != 0 {
		t.Fatal("task_1 was reordered despite batch rejection")
	}
}

func TestReorderWritesVerbatimInCallerOrder(t *testing.T) {
	st := newFakeStore()
	seedProject(st)
	st.tasks["task_1"] = store.Task{ID: "task_1", ProjectID: "proj_1", WorkspaceID: "ws_1", Status: "todo", Order: 0}
	st.tasks["task_2"] = store.Task{ID: "task_2", ProjectID: "proj_1", WorkspaceID: "ws_1", Status: "todo", Order: 1}

	var written []string
	st.updatePositionFn = func(ctx context.Context, taskID string, order int, status *string) error {
		written = append(written, taskID)
		task := st.tasks[taskID]
		task.Order = order
		if status != nil {
			task.Status = *status
		}
		st.tasks[taskID] = task
		return nil
	}
	svc, _, broadcast := newTestService(st)

	err := svc.Reorder(context.Background(), "user_1", "proj_1", []ReorderItem{
		{TaskID: "task_2", Order: 0},
		{TaskID: "task_1", Order: 1},
	})
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	if len(written) != 2 || written[0] != "task_2" || written[1] != "task_1" {
		t.Fatalf("write order = %v, want [task_2 task_1]", written)
	}
	if st.tasks["task_2"].Order != 0 || st.tasks["task_1"].Order != 1 {
		t.Fatalf("orders not written verbatim: %d, %d", st.tasks["task_2"].Order, st.tasks["task_1"].Order)
	}
	if len(broadcast.toProj) != 1 {
		t.Fatalf("project broadcasts = %d, want exactly 1 for the batch", len(broadcast.toProj))
	}
}

func TestReorderColumnMoveRunsSideEffects(t *testing.T) {
	st := newFakeStore()
	seedProject(st)
	st.addMember("ws_1", "user_2")
	st.tasks["task_1"] = store.Task{
		ID: "task_1", ProjectID: "proj_1", WorkspaceID: "ws_1",
		Title: "t", Status: "todo", Order: 0, WatcherIDs: []string{"user_2"},
	}
	svc, notifier, _ := newTestService(st)

	status := StatusDone
	err := svc.Reorder(context.Background(), "user_1", "proj_1", []ReorderItem{
		{TaskID: "task_1", Order: 0, Status: &status},
	})
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	if len(st.activitiesOfType(ActivityTaskMoved)) != 1 {
		t.Fatal("missing TASK_MOVED activity for column move via reorder")
	}
	if len(notifier.events) != 1 || notifier.events[0].Kind != notify.KindTaskUpdated {
		t.Fatalf("events = %+v, want one task_updated", notifier.events)
	}
}

func TestReorderInvalidStatusAbortsBeforeWrites(t *testing.T) {
	st := newFakeStore()
	seedProject(st)
	st.tasks["task_1"] = store.Task{ID: "task_1", ProjectID: "proj_1", WorkspaceID: "ws_1", Status: "todo", Order: 0}
	svc, _, _ := newTestService(st)

	bad := Status("archived")
	err := svc.Reorder(context.Background(), "user_1", "proj_1", []ReorderItem{
		{TaskID: "task_1", Order: 3, Status: &bad},
	})
	if !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("err = %v, want ErrInvalidStatus", err)
	}
	if st.tasks["task_1"].Order != 0 {
		t.Fatal("write applied despite invalid status in batch")
	}
}

func TestDeleteTaskEmitsAndRecords(t *testing.T) {
	st := newFakeStore()
	seedProject(st)
	st.tasks["task_1"] = store.Task{ID: "task_1", ProjectID: "proj_1", WorkspaceID: "ws_1", Title: "t", Status: "todo"}
	svc, _, broadcast := newTestService(st)

	if err := svc.DeleteTask(context.Background(), "user_1", "task_1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := st.tasks["task_1"]; ok {
		t.Fatal("task still present")
	}
	if len(st.activitiesOfType(ActivityTaskDeleted)) != 1 {
		t.Fatal("missing TASK_DELETED activity")
	}
	if len(broadcast.toProj) != 1 || broadcast.toProj[0].event != "task:deleted" {
		t.Fatalf("broadcasts = %+v, want one task:deleted", broadcast.toProj)
	}
}
