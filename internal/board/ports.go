package board

import (
	"context"
	"errors"
	"time"

	"teamline/api/internal/notify"
	"teamline/api/internal/store"
)

var (
	ErrInvalidStatus      = errors.New("invalid task status")
	ErrNotMember          = errors.New("user is not a workspace member")
	ErrTaskOutsideProject = errors.New("task does not belong to project")
	ErrEmptyTitle         = errors.New("task title is required")
)

// Store is the slice of the data layer the board engine needs.
type Store interface {
	GetProject(ctx context.Context, projectID string) (store.Project, error)
	GetTask(ctx context.Context, taskID string) (store.Task, error)
	ListProjectTasks(ctx context.Context, projectID string) ([]store.Task, error)
	ListTasksByIDs(ctx context.Context, projectID string, taskIDs []string) ([]store.Task, error)
	MaxOrder(ctx context.Context, projectID, status string) (int, error)
	InsertTask(ctx context.Context, task store.Task) error
	UpdateTask(ctx context.Context, taskID string, upd store.TaskUpdate) (store.Task, error)
	UpdateTaskPosition(ctx context.Context, taskID string, order int, status *string) error
	DeleteTask(ctx context.Context, taskID string) error
	GetMember(ctx context.Context, workspaceID, userID string) (store.Member, error)
	InsertActivity(ctx context.Context, activity store.Activity) error
}

// Notifier is the fan-out capability; the concrete implementation is
// wired at the composition root to avoid a Tasks→Notifications→Gateway
// construction cycle.
type Notifier interface {
	Fanout(ctx context.Context, ev notify.Event) ([]store.Notification, error)
}

// Broadcaster pushes live events to connected clients. Emits are
// best-effort and silently no-op for empty rooms.
type Broadcaster interface {
	EmitToUser(userID, event string, payload any)
	EmitToProject(projectID, event string, payload any)
	EmitToWorkspace(workspaceID, event string, payload any)
}

// Indexer mirrors task changes into the search index, fire-and-forget.
type Indexer interface {
	IndexTask(task store.Task)
	RemoveTask(taskID string)
}

type CreateInput struct {
	ProjectID   string
	Title       string
	Description string
	Status      Status
	AssigneeID  *string
	WatcherIDs  []string
	DueAt       *time.Time
}

type UpdateInput struct {
	Title       *string
	Description *string
	Status      *Status
	AssigneeSet bool
	AssigneeID  *string
	WatcherIDs  *[]string
	DueAtSet    bool
	DueAt       *time.Time
}

// ReorderItem is one tuple of the bulk reorder protocol. Order is
// written verbatim; Status, when present and different, makes the
// tuple a column move.
type ReorderItem struct {
	TaskID string  `json:"taskId"`
	Order  int     `json:"order"`
	Status *Status `json:"status,omitempty"`
}
