// Package app is the HTTP-facing layer: sessions, authorization and the
// route handlers that call into the domain services.
package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"teamline/api/internal/auth"
	"teamline/api/internal/board"
	"teamline/api/internal/notify"
	"teamline/api/internal/rbac"
	"teamline/api/internal/search"
	"teamline/api/internal/store"
	"teamline/api/internal/util"
)

type Session struct {
	UserID   string
	UserName string
}

type dataStore interface {
	Ping(ctx context.Context) error
	GetUser(ctx context.Context, userID string) (store.User, error)
	EnsureUserByName(ctx context.Context, name string) (store.User, error)
	GetMember(ctx context.Context, workspaceID, userID string) (store.Member, error)
	IsChannelMember(ctx context.Context, channelID, userID string) (bool, error)
	GetProject(ctx context.Context, projectID string) (store.Project, error)
	GetTask(ctx context.Context, taskID string) (store.Task, error)
	ListNotifications(ctx context.Context, userID, workspaceID string, unreadOnly bool, limit int) ([]store.Notification, error)
	MarkNotificationRead(ctx context.Context, notificationID, userID string) (bool, error)
	MarkAllNotificationsRead(ctx context.Context, userID, workspaceID string) (int64, error)
	UpsertPreference(ctx context.Context, pref store.NotificationPreference) (store.NotificationPreference, error)
	ListActivities(ctx context.Context, workspaceID, taskID string, limit int) ([]store.Activity, error)
}

type preferenceResolver interface {
	Resolve(ctx context.Context, userID, workspaceID, channelID string) (store.NotificationPreference, error)
}

type searcher interface {
	Search(q search.Query) search.Response
}

type Service struct {
	store    dataStore
	board    *board.Service
	prefs    preferenceResolver
	search   searcher
	secret   []byte
	tokenTTL int64
}

func NewService(st dataStore, boardSvc *board.Service, prefs preferenceResolver, searcher searcher, secret []byte, tokenTTLSeconds int64) *Service {
	return &Service{
		store:    st,
		board:    boardSvc,
		prefs:    prefs,
		search:   searcher,
		secret:   secret,
		tokenTTL: tokenTTLSeconds,
	}
}

// SetBoard wires the task engine in after construction. The board
// needs the websocket hub, the hub needs this service for channel
// access checks, so one of the edges has to be set late.
func (s *Service) SetBoard(boardSvc *board.Service) {
	s.board = boardSvc
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

type LoginResult struct {
	Token     string `json:"token"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	ExpiresAt int64  `json:"expiresAt"`
}

// Login issues an access token for a display name, creating the user
// on first sight.
func (s *Service) Login(ctx context.Context, name string) (LoginResult, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return LoginResult{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}

	user, err := s.store.EnsureUserByName(ctx, name)
	if err != nil {
		return LoginResult{}, err
	}

	exp := time.Now().Add(time.Duration(s.tokenTTL) * time.Second).Unix()
	token, err := auth.IssueToken(s.secret, auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		JTI:  util.NewID("jti"),
		Exp:  exp,
	})
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{Token: token, UserID: user.ID, UserName: user.DisplayName, ExpiresAt: exp}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken(s.secret, token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUser(ctx, claims.Sub)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	return Session{UserID: user.ID, UserName: user.DisplayName}, nil
}

// requireMember authorizes an action inside a workspace. Non-members
// get 403 regardless of whether the workspace exists, so membership is
// not probeable.
func (s *Service) requireMember(ctx context.Context, workspaceID, userID string, action rbac.Action) error {
	member, err := s.store.GetMember(ctx, workspaceID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if err != nil {
		return err
	}
	if !rbac.Can(rbac.Normalize(member.Role), action) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return nil
}

// CanJoinChannel gates channel rooms for the websocket hub.
func (s *Service) CanJoinChannel(ctx context.Context, channelID, userID string) (bool, error) {
	return s.store.IsChannelMember(ctx, channelID, userID)
}

func (s *Service) ListProjectTasks(ctx context.Context, session Session, projectID string) ([]store.Task, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := s.requireMember(ctx, project.WorkspaceID, session.UserID, rbac.ActionRead); err != nil {
		return nil, err
	}
	tasks, err := s.board.ListProjectTasks(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []store.Task{}
	}
	return tasks, nil
}

func (s *Service) CreateTask(ctx context.Context, session Session, in board.CreateInput) (store.Task, error) {
	project, err := s.store.GetProject(ctx, in.ProjectID)
	if err != nil {
		return store.Task{}, err
	}
	if err := s.requireMember(ctx, project.WorkspaceID, session.UserID, rbac.ActionWrite); err != nil {
		return store.Task{}, err
	}
	return s.board.CreateTask(ctx, session.UserID, in)
}

func (s *Service) GetTask(ctx context.Context, session Session, taskID string) (store.Task, error) {
	task, err := s.board.GetTask(ctx, taskID)
	if err != nil {
		return store.Task{}, err
	}
	if err := s.requireMember(ctx, task.WorkspaceID, session.UserID, rbac.ActionRead); err != nil {
		return store.Task{}, err
	}
	return task, nil
}

func (s *Service) UpdateTask(ctx context.Context, session Session, taskID string, in board.UpdateInput) (store.Task, error) {
	task, err := s.board.GetTask(ctx, taskID)
	if err != nil {
		return store.Task{}, err
	}
	if err := s.requireMember(ctx, task.WorkspaceID, session.UserID, rbac.ActionWrite); err != nil {
		return store.Task{}, err
	}
	return s.board.UpdateTask(ctx, session.UserID, taskID, in)
}

func (s *Service) DeleteTask(ctx context.Context, session Session, taskID string) error {
	task, err := s.board.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := s.requireMember(ctx, task.WorkspaceID, session.UserID, rbac.ActionWrite); err != nil {
		return err
	}
	return s.board.DeleteTask(ctx, session.UserID, taskID)
}

func (s *Service) ReorderTasks(ctx context.Context, session Session, projectID string, items []board.ReorderItem) error {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if err := s.requireMember(ctx, project.WorkspaceID, session.UserID, rbac.ActionWrite); err != nil {
		return err
	}
	return s.board.Reorder(ctx, session.UserID, projectID, items)
}

func (s *Service) ListNotifications(ctx context.Context, session Session, workspaceID string, unreadOnly bool, limit int) ([]store.Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	notifications, err := s.store.ListNotifications(ctx, session.UserID, workspaceID, unreadOnly, limit)
	if err != nil {
		return nil, err
	}
	if notifications == nil {
		notifications = []store.Notification{}
	}
	return notifications, nil
}

// MarkNotificationRead only ever touches the caller's own rows; a
// foreign or unknown ID is indistinguishable from missing.
func (s *Service) MarkNotificationRead(ctx context.Context, session Session, notificationID string) error {
	ok, err := s.store.MarkNotificationRead(ctx, notificationID, session.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Notification not found", nil)
	}
	return nil
}

func (s *Service) MarkAllNotificationsRead(ctx context.Context, session Session, workspaceID string) (int64, error) {
	return s.store.MarkAllNotificationsRead(ctx, session.UserID, workspaceID)
}

func (s *Service) GetPreference(ctx context.Context, session Session, workspaceID, channelID string) (store.NotificationPreference, error) {
	if workspaceID == "" {
		return store.NotificationPreference{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "workspaceId is required", nil)
	}
	if err := s.requireMember(ctx, workspaceID, session.UserID, rbac.ActionRead); err != nil {
		return store.NotificationPreference{}, err
	}
	return s.prefs.Resolve(ctx, session.UserID, workspaceID, channelID)
}

type PreferenceInput struct {
	WorkspaceID  string `json:"workspaceId"`
	ChannelID    string `json:"channelId"`
	Preference   string `json:"preference"`
	EmailEnabled bool   `json:"emailEnabled"`
}

func (s *Service) PutPreference(ctx context.Context, session Session, in PreferenceInput) (store.NotificationPreference, error) {
	if in.WorkspaceID == "" {
		return store.NotificationPreference{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "workspaceId is required", nil)
	}
	if !notify.Preference(in.Preference).Valid() {
		return store.NotificationPreference{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "preference must be ALL, MENTIONS or NONE", nil)
	}
	if err := s.requireMember(ctx, in.WorkspaceID, session.UserID, rbac.ActionRead); err != nil {
		return store.NotificationPreference{}, err
	}
	return s.store.UpsertPreference(ctx, store.NotificationPreference{
		ID:           util.NewID("npref"),
		UserID:       session.UserID,
		WorkspaceID:  in.WorkspaceID,
		ChannelID:    in.ChannelID,
		Preference:   in.Preference,
		EmailEnabled: in.EmailEnabled,
	})
}

func (s *Service) SearchTasks(ctx context.Context, session Session, q search.Query) (search.Response, error) {
	if q.WorkspaceID == "" {
		return search.Response{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "workspaceId is required", nil)
	}
	if err := s.requireMember(ctx, q.WorkspaceID, session.UserID, rbac.ActionRead); err != nil {
		return search.Response{}, err
	}
	return s.search.Search(q), nil
}

func (s *Service) ListActivities(ctx context.Context, session Session, workspaceID, taskID string, limit int) ([]store.Activity, error) {
	if workspaceID == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "workspaceId is required", nil)
	}
	if err := s.requireMember(ctx, workspaceID, session.UserID, rbac.ActionRead); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	activities, err := s.store.ListActivities(ctx, workspaceID, taskID, limit)
	if err != nil {
		return nil, err
	}
	if activities == nil {
		activities = []store.Activity{}
	}
	return activities, nil
}
