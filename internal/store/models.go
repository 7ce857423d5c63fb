package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID          string
	DisplayName string
	Email       string
	CreatedAt   time.Time
}

type Workspace struct {
	ID        string
	Name      string
	Slug      string
	CreatedAt time.Time
}

type Member struct {
	WorkspaceID string
	UserID      string
	Role        string
	JoinedAt    time.Time
}

type Channel struct {
	ID          string
	WorkspaceID string
	Name        string
	IsPrivate   bool
}

type Project struct {
	ID          string
	WorkspaceID string
	Name        string
	CreatedBy   string
	CreatedAt   time.Time
}

type Task struct {
	ID                string     `json:"id"`
	ProjectID         string     `json:"projectId"`
	WorkspaceID       string     `json:"workspaceId"`
	Title             string     `json:"title"`
	Description       string     `json:"description,omitempty"`
	Status            string     `json:"status"`
	Order             int        `json:"order"`
	AssigneeID        *string    `json:"assigneeId,omitempty"`
	WatcherIDs        []string   `json:"watcherIds"`
	DueAt             *time.Time `json:"dueAt,omitempty"`
	Reminder24hSentAt *time.Time `json:"-"`
	Reminder1hSentAt  *time.Time `json:"-"`
	CreatedBy         string     `json:"createdBy"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// TaskUpdate is a partial update; nil fields are left untouched.
// Assignee and due date support explicit clearing, which a plain
// pointer cannot express on its own.
type TaskUpdate struct {
	Title       *string
	Description *string
	Status      *string
	Order       *int
	AssigneeSet bool
	AssigneeID  *string
	WatcherIDs  *[]string
	DueAtSet    bool
	DueAt       *time.Time
}

// ReminderFence identifies which idempotency fence column an operation
// targets.
type ReminderFence string

const (
	Fence1h  ReminderFence = "reminder_1h_sent_at"
	Fence24h ReminderFence = "reminder_24h_sent_at"
)

type Notification struct {
	ID          string          `json:"id"`
	UserID      string          `json:"userId"`
	WorkspaceID string          `json:"workspaceId"`
	Type        string          `json:"type"`
	Title       string          `json:"title"`
	Body        string          `json:"body,omitempty"`
	Link        string          `json:"link,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	IsRead      bool            `json:"isRead"`
	CreatedAt   time.Time       `json:"createdAt"`
}

type NotificationPreference struct {
	ID           string `json:"id"`
	UserID       string `json:"userId"`
	WorkspaceID  string `json:"workspaceId"`
	ChannelID    string `json:"channelId,omitempty"`
	Preference   string `json:"preference"`
	EmailEnabled bool   `json:"emailEnabled"`
}

type Activity struct {
	ID          string          `json:"id"`
	WorkspaceID string          `json:"workspaceId"`
	ProjectID   string          `json:"projectId,omitempty"`
	TaskID      string          `json:"taskId,omitempty"`
	ActorID     string          `json:"actorId"`
	Type        string          `json:"type"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}
