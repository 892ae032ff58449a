package http

import "github.com/fyrsmithlabs/memoryd/internal/memory"

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is returned for every failed request.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// AppendRequest is the request body for POST .../messages.
type AppendRequest struct {
	Messages []memory.Message `json:"messages"`
}

// AppendResponse reports how many messages were accepted.
type AppendResponse struct {
	Accepted int `json:"accepted"`
}

// MessagesResponse is the response body for GET .../messages.
type MessagesResponse struct {
	Messages []memory.Message `json:"messages"`
}

// SearchResponse is the response body for GET .../memories/search.
type SearchResponse struct {
	Results []memory.ScoredRecord `json:"results"`
}

// IngestRequest maps tags to candidates to store without extraction.
type IngestRequest struct {
	Memories map[string][]memory.Candidate `json:"memories"`
}

// IngestResponse reports the records created by an ingest.
type IngestResponse struct {
	Candidates int             `json:"candidates"`
	Tags       []string        `json:"tags"`
	Added      []memory.Record `json:"added"`
	// GraphError is set when records were stored but not linked.
	GraphError string `json:"graph_error,omitempty"`
}

// TagsResponse is the response body for GET .../tags.
type TagsResponse struct {
	Tags []string `json:"tags"`
}

// DeleteResponse reports the outcome of a bulk delete. Targets maps each
// target to "ok" or its error.
type DeleteResponse struct {
	Owner   string            `json:"owner"`
	Status  string            `json:"status"`
	Targets map[string]string `json:"targets"`
}
