// Package search offers task search via Meilisearch with a PostgreSQL
// full-text fallback.
package search

// TaskRecord is the slice of a task that gets indexed.
type TaskRecord struct {
	ID          string `json:"id"`
	ProjectID   string `json:"projectId"`
	WorkspaceID string `json:"workspaceId"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

type Query struct {
	Text        string
	WorkspaceID string
	ProjectID   string
	Limit       int
	Offset      int
}

type Result struct {
	ID          string `json:"id"`
	ProjectID   string `json:"projectId"`
	WorkspaceID string `json:"workspaceId"`
	Title       string `json:"title"`
	Snippet     string `json:"snippet,omitempty"`
	Status      string `json:"status"`
}

type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}
