package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"teamline/api/internal/util"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}


func (s *PostgresStore) GetUser(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, email, created_at FROM users WHERE id=$1`, userID,
	).Scan(&user.ID, &user.DisplayName, &user.Email, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}


// EnsureUserByName finds a user by display name, creating one with a
// synthetic local email when missing.
func (s *PostgresStore) EnsureUserByName(ctx context.Context, name string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, email, created_at FROM users WHERE display_name=$1`, name,
	).Scan(&user.ID, &user.DisplayName, &user.Email, &user.CreatedAt)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, display_name, email)
		VALUES ($1, $2, CONCAT(LOWER(REPLACE($2, ' ', '.')), '@local.teamline.dev'))
		RETURNING id, display_name, email, created_at
	`, util.NewID("user"), name).Scan(&user.ID, &user.DisplayName, &user.Email, &user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetMember(ctx context.Context, workspaceID, userID string) (Member, error) {
	var member Member
	err := s.db.QueryRowContext(ctx, `
		SELECT workspace_id, user_id, role, joined_at
		FROM workspace_memberships
		WHERE workspace_id=$1 AND user_id=$2
	`, workspaceID, userID).Scan(&member.WorkspaceID, &member.UserID, &member.Role, &member.JoinedAt)
	if err != nil {
		return Member{}, err
	}
	return member, nil
}

func (s *PostgresStore) ListWorkspaceMembers(ctx context.Context, workspaceID string) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workspace_id, user_id, role, joined_at
		FROM workspace_memberships
		WHERE workspace_id=$1
		ORDER BY joined_at
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	members := make([]Member, 0)
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.WorkspaceID, &m.UserID, &m.Role, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *PostgresStore) IsChannelMember(ctx context.Context, channelID, userID string) (bool, error) {
	var channel Channel
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, name, is_private FROM channels WHERE id=$1`, channelID,
	).Scan(&channel.ID, &channel.WorkspaceID, &channel.Name, &channel.IsPrivate)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup channel: %w", err)
	}

	// Public channels admit any workspace member.
	if !channel.IsPrivate {
		var isMember bool
		err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM workspace_memberships WHERE workspace_id=$1 AND user_id=$2)`,
			channel.WorkspaceID, userID,
		).Scan(&isMember)
		if err != nil {
			return false, fmt.Errorf("check workspace membership: %w", err)
		}
		return isMember, nil
	}

	var isMember bool
	err = s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM channel_members WHERE channel_id=$1 AND user_id=$2)`,
		channelID, userID,
	).Scan(&isMember)
	if err != nil {
		return false, fmt.Errorf("check channel membership: %w", err)
	}
	return isMember, nil
}


func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	var project Project
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, name, created_by, created_at FROM projects WHERE id=$1`, projectID,
	).Scan(&project.ID, &project.WorkspaceID, &project.Name, &project.CreatedBy, &project.CreatedAt)
	if err != nil {
		return Project{}, err
	}
	return project, nil
}


const taskColumns = `id, project_id, workspace_id, title, description, status, position,
	assignee_id, watcher_ids, due_at, reminder_24h_sent_at, reminder_1h_sent_at,
	created_by, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (Task, error) {
	var task Task
	var watchers []byte
	err := row.Scan(
		&task.ID, &task.ProjectID, &task.WorkspaceID, &task.Title, &task.Description,
		&task.Status, &task.Order, &task.AssigneeID, &watchers, &task.DueAt,
		&task.Reminder24hSentAt, &task.Reminder1hSentAt,
		&task.CreatedBy, &task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		return Task{}, err
	}
	task.WatcherIDs = []string{}
	if len(watchers) > 0 {
		if err := json.Unmarshal(watchers, &task.WatcherIDs); err != nil {
			return Task{}, fmt.Errorf("decode watcher ids: %w", err)
		}
	}
	return task, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, taskID)
	return scanTask(row)
}

func (s *PostgresStore) ListProjectTasks(ctx context.Context, projectID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE project_id=$1
		ORDER BY status, position, created_at
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list project tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *PostgresStore) ListTasksByIDs(ctx context.Context, projectID string, taskIDs []string) ([]Task, error) {
	if len(taskIDs) == 0 {
		return []Task{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE project_id=$1 AND id = ANY($2)
	`, projectID, taskIDs)
	if err != nil {
		return nil, fmt.Errorf("list tasks by ids: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]Task, error) {
	tasks := make([]Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) MaxOrder(ctx context.Context, projectID, status string) (int, error) {
	var max int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position), -1) FROM tasks WHERE project_id=$1 AND status=$2`,
		projectID, status,
	).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max order: %w", err)
	}
	return max, nil
}

func (s *PostgresStore) InsertTask(ctx context.Context, task Task) error {
	watchers, err := json.Marshal(task.WatcherIDs)
	if err != nil {
		return fmt.Errorf("encode watcher ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, project_id, workspace_id, title, description, status, position,
			assignee_id, watcher_ids, due_at, created_by, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW(),NOW())
	`, task.ID, task.ProjectID, task.WorkspaceID, task.Title, task.Description,
		task.Status, task.Order, task.AssigneeID, watchers, task.DueAt, task.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// UpdateTask applies a partial update and returns the stored row.
// Any change to due_at also clears both reminder fences.
func (s *PostgresStore) UpdateTask(ctx context.Context, taskID string, upd TaskUpdate) (Task, error) {
	sets := []string{"updated_at=NOW()"}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if upd.Title != nil {
		sets = append(sets, "title="+arg(*upd.Title))
	}
	if upd.Description != nil {
		sets = append(sets, "description="+arg(*upd.Description))
	}
	if upd.Status != nil {
		sets = append(sets, "status="+arg(*upd.Status))
	}
	if upd.Order != nil {
		sets = append(sets, "position="+arg(*upd.Order))
	}
	if upd.AssigneeSet {
		sets = append(sets, "assignee_id="+arg(upd.AssigneeID))
	}
	if upd.WatcherIDs != nil {
		watchers, err := json.Marshal(*upd.WatcherIDs)
		if err != nil {
			return Task{}, fmt.Errorf("encode watcher ids: %w", err)
		}
		sets = append(sets, "watcher_ids="+arg(watchers))
	}
	if upd.DueAtSet {
		sets = append(sets, "due_at="+arg(upd.DueAt))
		sets = append(sets, "reminder_24h_sent_at=NULL", "reminder_1h_sent_at=NULL")
	}

	query := `UPDATE tasks SET ` + strings.Join(sets, ", ") +
		` WHERE id=` + arg(taskID) + ` RETURNING ` + taskColumns
	row := s.db.QueryRowContext(ctx, query, args...)
	task, err := scanTask(row)
	if err != nil {
		return Task{}, err
	}
	return task, nil
}

// UpdateTaskPosition writes a reorder tuple verbatim: the new position
// and, for a column move, the new status in the same statement.
func (s *PostgresStore) UpdateTaskPosition(ctx context.Context, taskID string, order int, status *string) error {
	var err error
	if status != nil {
		_, err = s.db.ExecContext(ctx,
			`UPDATE tasks SET position=$2, status=$3, updated_at=NOW() WHERE id=$1`,
			taskID, order, *status)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE tasks SET position=$2, updated_at=NOW() WHERE id=$1`,
			taskID, order)
	}
	if err != nil {
		return fmt.Errorf("update task position: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteTask(ctx context.Context, taskID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=$1`, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}


// TasksDueBetween selects tasks whose due date lies in (from, to] and
// whose fence column for the given threshold has not been set.
func (s *PostgresStore) TasksDueBetween(ctx context.Context, from, to time.Time, fence ReminderFence) ([]Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE due_at > $1 AND due_at <= $2 AND ` + string(fence) + ` IS NULL
		ORDER BY due_at
	`
	rows, err := s.db.QueryContext(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("tasks due between: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *PostgresStore) MarkReminded(ctx context.Context, taskIDs []string, fence ReminderFence, at time.Time) error {
	if len(taskIDs) == 0 {
		return nil
	}
	query := `UPDATE tasks SET ` + string(fence) + `=$1 WHERE id = ANY($2)`
	if _, err := s.db.ExecContext(ctx, query, at, taskIDs); err != nil {
		return fmt.Errorf("mark reminded: %w", err)
	}
	return nil
}


func (s *PostgresStore) InsertNotifications(ctx context.Context, notifications []Notification) error {
	if len(notifications) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin notifications tx: %w", err)
	}
	for _, n := range notifications {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO notifications (id, user_id, workspace_id, type, title, body, link, metadata, is_read, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,FALSE,NOW())
		`, n.ID, n.UserID, n.WorkspaceID, n.Type, n.Title, n.Body, n.Link, nullableJSON(n.Metadata))
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert notification: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit notifications: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, userID, workspaceID string, unreadOnly bool, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, user_id, workspace_id, type, title, body, link, metadata, is_read, created_at
		FROM notifications
		WHERE user_id=$1 AND ($2 = '' OR workspace_id=$2)
	`
	if unreadOnly {
		query += ` AND is_read=FALSE`
	}
	query += ` ORDER BY created_at DESC LIMIT $3`

	rows, err := s.db.QueryContext(ctx, query, userID, workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	items := make([]Notification, 0)
	for rows.Next() {
		var n Notification
		var metadata []byte
		if err := rows.Scan(&n.ID, &n.UserID, &n.WorkspaceID, &n.Type, &n.Title, &n.Body, &n.Link, &metadata, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Metadata = metadata
		items = append(items, n)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetNotification(ctx context.Context, notificationID string) (Notification, error) {
	var n Notification
	var metadata []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, workspace_id, type, title, body, link, metadata, is_read, created_at
		FROM notifications WHERE id=$1
	`, notificationID).Scan(&n.ID, &n.UserID, &n.WorkspaceID, &n.Type, &n.Title, &n.Body, &n.Link, &metadata, &n.IsRead, &n.CreatedAt)
	if err != nil {
		return Notification{}, err
	}
	n.Metadata = metadata
	return n, nil
}

func (s *PostgresStore) MarkNotificationRead(ctx context.Context, notificationID, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_read=TRUE WHERE id=$1 AND user_id=$2`,
		notificationID, userID)
	if err != nil {
		return false, fmt.Errorf("mark notification read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark notification read: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) MarkAllNotificationsRead(ctx context.Context, userID, workspaceID string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_read=TRUE WHERE user_id=$1 AND workspace_id=$2 AND is_read=FALSE`,
		userID, workspaceID)
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}
	return affected, nil
}


// GetPreference returns the exact (user, workspace, channel) row.
// channelID "" addresses the workspace-scoped row.
func (s *PostgresStore) GetPreference(ctx context.Context, userID, workspaceID, channelID string) (*NotificationPreference, error) {
	var pref NotificationPreference
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, workspace_id, channel_id, preference, email_enabled
		FROM notification_preferences
		WHERE user_id=$1 AND workspace_id=$2 AND channel_id=$3
	`, userID, workspaceID, channelID).Scan(
		&pref.ID, &pref.UserID, &pref.WorkspaceID, &pref.ChannelID, &pref.Preference, &pref.EmailEnabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get preference: %w", err)
	}
	return &pref, nil
}

func (s *PostgresStore) UpsertPreference(ctx context.Context, pref NotificationPreference) (NotificationPreference, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO notification_preferences (id, user_id, workspace_id, channel_id, preference, email_enabled)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (user_id, workspace_id, channel_id)
		DO UPDATE SET preference=EXCLUDED.preference, email_enabled=EXCLUDED.email_enabled
		RETURNING id, user_id, workspace_id, channel_id, preference, email_enabled
	`, pref.ID, pref.UserID, pref.WorkspaceID, pref.ChannelID, pref.Preference, pref.EmailEnabled).Scan(
		&pref.ID, &pref.UserID, &pref.WorkspaceID, &pref.ChannelID, &pref.Preference, &pref.EmailEnabled)
	if err != nil {
		return NotificationPreference{}, fmt.Errorf("upsert preference: %w", err)
	}
	return pref, nil
}


func (s *PostgresStore) InsertActivity(ctx context.Context, activity Activity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activities (id, workspace_id, project_id, task_id, actor_id, type, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())
	`, activity.ID, activity.WorkspaceID, activity.ProjectID, activity.TaskID,
		activity.ActorID, activity.Type, nullableJSON(activity.Metadata))
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListActivities(ctx context.Context, workspaceID, taskID string, limit int) ([]Activity, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, workspace_id, project_id, task_id, actor_id, type, metadata, created_at
		FROM activities
		WHERE workspace_id=$1
	`
	args := []any{workspaceID}
	if taskID != "" {
		query += ` AND task_id=$2`
		args = append(args, taskID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	items := make([]Activity, 0)
	for rows.Next() {
		var a Activity
		var metadata []byte
		if err := rows.Scan(&a.ID, &a.WorkspaceID, &a.ProjectID, &a.TaskID, &a.ActorID, &a.Type, &metadata, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		a.Metadata = metadata
		items = append(items, a)
	}
	return items, rows.Err()
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
