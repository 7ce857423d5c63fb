// Package board owns task ordering within (project, status) buckets and
// the side-effect pipeline for status, assignment and watcher changes.
package board

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"teamline/api/internal/notify"
	"teamline/api/internal/store"
	"teamline/api/internal/util"
)

type Service struct {
	store     Store
	notifier  Notifier
	broadcast Broadcaster
	index     Indexer
	log       *logrus.Logger
}

func NewService(st Store, notifier Notifier, broadcast Broadcaster, index Indexer, log *logrus.Logger) *Service {
	return &Service{store: st, notifier: notifier, broadcast: broadcast, index: index, log: log}
}

// NextOrder computes the append position for a (project, status)
// bucket: max existing order + 1, or 0 for an empty bucket. Existing
// tasks are never renumbered.
func (s *Service) NextOrder(ctx context.Context, projectID string, status Status) (int, error) {
	max, err := s.store.MaxOrder(ctx, projectID, string(status))
	if err != nil {
		return 0, err
	}
	return max + 1, nil
}

func (s *Service) GetTask(ctx context.Context, taskID string) (store.Task, error) {
	return s.store.GetTask(ctx, taskID)
}

func (s *Service) ListProjectTasks(ctx context.Context, projectID string) ([]store.Task, error) {
	return s.store.ListProjectTasks(ctx, projectID)
}

func (s *Service) CreateTask(ctx context.Context, actorID string, in CreateInput) (store.Task, error) {
	if in.Title == "" {
		return store.Task{}, ErrEmptyTitle
	}

	project, err := s.store.GetProject(ctx, in.ProjectID)
	if err != nil {
		return store.Task{}, err
	}

	status := in.Status
	if status == "" {
		status = StatusTodo
	}
	if !status.Valid() {
		return store.Task{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	if in.AssigneeID != nil {
		if err := s.requireMember(ctx, project.WorkspaceID, *in.AssigneeID); err != nil {
			return store.Task{}, err
		}
	}
	watchers := dedupe(in.WatcherIDs)
	for _, watcher := range watchers {
		if err := s.requireMember(ctx, project.WorkspaceID, watcher); err != nil {
			return store.Task{}, err
		}
	}

	order, err := s.NextOrder(ctx, project.ID, status)
	if err != nil {
		return store.Task{}, err
	}

	task := store.Task{
		ID:          util.NewID("task"),
		ProjectID:   project.ID,
		WorkspaceID: project.WorkspaceID,
		Title:       in.Title,
		Description: in.Description,
		Status:      string(status),
		Order:       order,
		AssigneeID:  in.AssigneeID,
		WatcherIDs:  watchers,
		DueAt:       in.DueAt,
		CreatedBy:   actorID,
	}
	if err := s.store.InsertTask(ctx, task); err != nil {
		return store.Task{}, err
	}
	stored, err := s.store.GetTask(ctx, task.ID)
	if err == nil {
		task = stored
	}

	s.recordActivity(ctx, task, actorID, ActivityTaskCreated, map[string]any{
		"title":  task.Title,
		"status": task.Status,
	})

	if task.AssigneeID != nil && *task.AssigneeID != actorID {
		s.notifyAssignee(ctx, task, actorID)
	}

	s.broadcast.EmitToProject(task.ProjectID, "task:created", task)
	if s.index != nil {
		s.index.IndexTask(task)
	}
	return task, nil
}

func (s *Service) UpdateTask(ctx context.Context, actorID, taskID string, in UpdateInput) (store.Task, error) {
	prev, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return store.Task{}, err
	}

	upd := store.TaskUpdate{
		Title:       in.Title,
		Description: in.Description,
		DueAtSet:    in.DueAtSet,
		DueAt:       in.DueAt,
	}

	if in.Status != nil {
		if !in.Status.Valid() {
			return store.Task{}, fmt.Errorf("%w: %q", ErrInvalidStatus, *in.Status)
		}
		status := string(*in.Status)
		upd.Status = &status
		// A column change without an explicit position appends to the
		// target bucket.
		if status != prev.Status {
			order, err := s.NextOrder(ctx, prev.ProjectID, *in.Status)
			if err != nil {
				return store.Task{}, err
			}
			upd.Order = &order
		}
	}

	if in.AssigneeSet {
		if in.AssigneeID != nil {
			if err := s.requireMember(ctx, prev.WorkspaceID, *in.AssigneeID); err != nil {
				return store.Task{}, err
			}
		}
		upd.AssigneeSet = true
		upd.AssigneeID = in.AssigneeID
	}

	if in.WatcherIDs != nil {
		watchers := dedupe(*in.WatcherIDs)
		for _, watcher := range watchers {
			if err := s.requireMember(ctx, prev.WorkspaceID, watcher); err != nil {
				return store.Task{}, err
			}
		}
		upd.WatcherIDs = &watchers
	}

	next, err := s.store.UpdateTask(ctx, taskID, upd)
	if err != nil {
		return store.Task{}, err
	}

	s.applySideEffects(ctx, actorID, prev, next)
	s.broadcast.EmitToProject(next.ProjectID, "task:updated", next)
	if s.index != nil {
		s.index.IndexTask(next)
	}
	return next, nil
}

// Reorder applies the drag-and-drop protocol: every tuple's order is
// written verbatim, in caller order, after an all-or-nothing check that
// each task belongs to the project. Column moves run the same side
// effects as a direct status update.
func (s *Service) Reorder(ctx context.Context, actorID, projectID string, items []ReorderItem) error {
	if len(items) == 0 {
		return nil
	}

	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}

	for _, item := range items {
		if item.Status != nil && !item.Status.Valid() {
			return fmt.Errorf("%w: %q", ErrInvalidStatus, *item.Status)
		}
		if item.Order < 0 {
			return fmt.Errorf("task %s: order must be non-negative", item.TaskID)
		}
	}

	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.TaskID)
	}
	ids = dedupe(ids)

	tasks, err := s.store.ListTasksByIDs(ctx, projectID, ids)
	if err != nil {
		return err
	}
	byID := make(map[string]store.Task, len(tasks))
	for _, task := range tasks {
		byID[task.ID] = task
	}
	for _, id := range ids {
		if _, ok := byID[id]; !ok {
			return fmt.Errorf("%w: %s", ErrTaskOutsideProject, id)
		}
	}

	for _, item := range items {
		prev := byID[item.TaskID]
		var statusChange *string
		if item.Status != nil && string(*item.Status) != prev.Status {
			status := string(*item.Status)
			statusChange = &status
		}

		if err := s.store.UpdateTaskPosition(ctx, item.TaskID, item.Order, statusChange); err != nil {
			// Writes already applied stay applied; the client re-fetches
			// and retries.
			return err
		}

		next := prev
		next.Order = item.Order
		if statusChange != nil {
			next.Status = *statusChange
		}
		byID[item.TaskID] = next

		if statusChange != nil {
			s.applySideEffects(ctx, actorID, prev, next)
			if s.index != nil {
				s.index.IndexTask(next)
			}
		}
	}

	s.broadcast.EmitToProject(project.ID, "task:updated", map[string]any{
		"projectId": project.ID,
		"taskIds":   ids,
	})
	return nil
}

func (s *Service) DeleteTask(ctx context.Context, actorID, taskID string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteTask(ctx, taskID); err != nil {
		return err
	}

	s.recordActivity(ctx, task, actorID, ActivityTaskDeleted, map[string]any{
		"title": task.Title,
	})
	s.broadcast.EmitToProject(task.ProjectID, "task:deleted", map[string]any{
		"taskId":    task.ID,
		"projectId": task.ProjectID,
	})
	if s.index != nil {
		s.index.RemoveTask(task.ID)
	}
	return nil
}

// applySideEffects runs the shared pipeline for status, assignee and
// watcher transitions. Everything here is best-effort: the primary
// write already succeeded and must not be rolled back.
func (s *Service) applySideEffects(ctx context.Context, actorID string, prev, next store.Task) {
	if next.Status != prev.Status {
		s.recordActivity(ctx, next, actorID, ActivityTaskMoved, map[string]any{
			"previousStatus": prev.Status,
			"status":         next.Status,
		})
		s.notifyWatchers(ctx, next, actorID, prev.Status)
	}

	if assigneeChanged(prev.AssigneeID, next.AssigneeID) {
		s.recordActivity(ctx, next, actorID, ActivityTaskAssigned, map[string]any{
			"assigneeId": derefOrEmpty(next.AssigneeID),
		})
		if next.AssigneeID != nil && *next.AssigneeID != actorID {
			s.notifyAssignee(ctx, next, actorID)
		}
	}

	if watchersChanged(prev.WatcherIDs, next.WatcherIDs) {
		s.recordActivity(ctx, next, actorID, ActivityTaskWatchersUpdated, map[string]any{
			"watcherIds": next.WatcherIDs,
		})
	}
}

// notifyWatchers informs every watcher except the actor that the task
// changed column. Offline watchers still get the notification row; the
// live push simply has no room to land in.
func (s *Service) notifyWatchers(ctx context.Context, task store.Task, actorID, previousStatus string) {
	recipients := make([]string, 0, len(task.WatcherIDs))
	for _, watcher := range task.WatcherIDs {
		if watcher != actorID {
			recipients = append(recipients, watcher)
		}
	}
	if len(recipients) == 0 {
		return
	}

	created, err := s.notifier.Fanout(ctx, notify.Event{
		Recipients:  recipients,
		WorkspaceID: task.WorkspaceID,
		Kind:        notify.KindTaskUpdated,
		Title:       fmt.Sprintf("%q moved to %s", task.Title, task.Status),
		Body:        fmt.Sprintf("Status changed from %s to %s", previousStatus, task.Status),
		Link:        taskLink(task),
		Metadata:    map[string]any{"taskId": task.ID, "projectId": task.ProjectID},
	})
	if err != nil {
		s.log.WithFields(logrus.Fields{"task": task.ID}).WithError(err).Error("watcher fan-out failed")
		return
	}
	for _, n := range created {
		s.broadcast.EmitToUser(n.UserID, "notification:new", n)
	}
}

func (s *Service) notifyAssignee(ctx context.Context, task store.Task, actorID string) {
	created, err := s.notifier.Fanout(ctx, notify.Event{
		Recipients:  []string{*task.AssigneeID},
		WorkspaceID: task.WorkspaceID,
		Kind:        notify.KindTaskAssigned,
		Title:       fmt.Sprintf("You were assigned %q", task.Title),
		Link:        taskLink(task),
		Metadata:    map[string]any{"taskId": task.ID, "projectId": task.ProjectID},
	})
	if err != nil {
		s.log.WithFields(logrus.Fields{"task": task.ID}).WithError(err).Error("assignee fan-out failed")
		return
	}
	for _, n := range created {
		s.broadcast.EmitToUser(n.UserID, "notification:new", n)
	}
}

func (s *Service) recordActivity(ctx context.Context, task store.Task, actorID, activityType string, metadata map[string]any) {
	encoded, err := json.Marshal(metadata)
	if err != nil {
		s.log.WithError(err).Error("encode activity metadata")
		encoded = nil
	}
	err = s.store.InsertActivity(ctx, store.Activity{
		ID:          util.NewID("act"),
		WorkspaceID: task.WorkspaceID,
		ProjectID:   task.ProjectID,
		TaskID:      task.ID,
		ActorID:     actorID,
		Type:        activityType,
		Metadata:    encoded,
	})
	if err != nil {
		s.log.WithFields(logrus.Fields{"task": task.ID, "type": activityType}).
			WithError(err).Error("activity recording failed")
	}
}

func (s *Service) requireMember(ctx context.Context, workspaceID, userID string) error {
	_, err := s.store.GetMember(ctx, workspaceID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotMember, userID)
	}
	return err
}

func taskLink(task store.Task) string {
	return "/projects/" + task.ProjectID + "/tasks/" + task.ID
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func assigneeChanged(prev, next *string) bool {
	switch {
	case prev == nil && next == nil:
		return false
	case prev == nil || next == nil:
		return true
	default:
		return *prev != *next
	}
}

func watchersChanged(prev, next []string) bool {
	if len(prev) != len(next) {
		return true
	}
	a := append([]string(nil), prev...)
	b := append([]string(nil), next...)
	sort.Strings(a)
	sort.Strings(b)
	for i := range a {
		if a[i] != b[i] {
			return true
		}
	}
	return false
}

func derefOrEmpty(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
