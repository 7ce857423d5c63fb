package board

import "fmt"

// Status is the closed set of board columns a task can occupy.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in-progress"
	StatusDone       Status = "done"
)

func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusDone:
		return true
	default:
		return false
	}
}

func ParseStatus(raw string) (Status, error) {
	status := Status(raw)
	if !status.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
	return status, nil
}

// Activity types recorded by the mutation pipeline.
const (
	ActivityTaskCreated         = "TASK_CREATED"
	ActivityTaskMoved           = "TASK_MOVED"
	ActivityTaskAssigned        = "TASK_ASSIGNED"
	ActivityTaskWatchersUpdated = "TASK_WATCHERS_UPDATED"
	ActivityTaskUpdated         = "TASK_UPDATED"
	ActivityTaskDeleted         = "TASK_DELETED"
)
