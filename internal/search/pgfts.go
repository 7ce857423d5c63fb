package search

import (
	"database/sql"
	"strings"
)

// PgFTS searches tasks with PostgreSQL full-text search. It is the
// fallback when Meilisearch is down or not configured at all.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

const pgSearchQuery = `
	SELECT t.id, t.project_id, t.workspace_id, t.title, t.status,
		ts_headline('english', coalesce(t.description, ''),
			plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
		count(*) OVER () AS total
	FROM tasks t
	WHERE to_tsvector('english', t.title || ' ' || coalesce(t.description, ''))
		@@ plainto_tsquery('english', $1)
		AND ($2 = '' OR t.workspace_id = $2)
		AND ($3 = '' OR t.project_id = $3)
	ORDER BY ts_rank(
		to_tsvector('english', t.title || ' ' || coalesce(t.description, '')),
		plainto_tsquery('english', $1)) DESC, t.created_at DESC
	LIMIT $4 OFFSET $5`

func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := p.db.Query(pgSearchQuery, q.Text, q.WorkspaceID, q.ProjectID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var results []Result
	total := 0
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.WorkspaceID, &r.Title, &r.Status, &r.Snippet, &total); err != nil {
			return nil, 0, err
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}
