package search

import (
	"github.com/sirupsen/logrus"

	"teamline/api/internal/store"
)

// Service tries Meilisearch first and falls back to Postgres FTS.
// Index writes are fire-and-forget; Postgres is the source of truth
// and the engine resyncs on its own as tasks change.
type Service struct {
	meili *Meili
	pgfts *PgFTS
	log   *logrus.Logger
}

// NewService creates the facade. meili may be nil when no engine is
// configured.
func NewService(meili *Meili, pgfts *PgFTS, log *logrus.Logger) *Service {
	return &Service{meili: meili, pgfts: pgfts, log: log}
}

func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.WithError(err).Warn("meilisearch error, falling back to postgres")
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		s.log.WithError(err).Error("postgres search failed")
		return Response{Results: []Result{}, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexTask mirrors a task into the engine.
func (s *Service) IndexTask(task store.Task) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	rec := recordFor(task)
	go func() {
		if err := s.meili.IndexTask(rec); err != nil {
			s.log.WithField("task", rec.ID).WithError(err).Warn("index task failed")
		}
	}()
}

// RemoveTask drops a task from the engine.
func (s *Service) RemoveTask(taskID string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteTask(taskID); err != nil {
			s.log.WithField("task", taskID).WithError(err).Warn("remove task from index failed")
		}
	}()
}

func recordFor(task store.Task) TaskRecord {
	return TaskRecord{
		ID:          task.ID,
		ProjectID:   task.ProjectID,
		WorkspaceID: task.WorkspaceID,
		Title:       task.Title,
		Description: task.Description,
		Status:      task.Status,
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
