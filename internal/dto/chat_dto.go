package dto

// GenerateTitleRequest asks the backend to title a conversation from its
// first queries. Queries beyond the first three are dropped before
// forwarding.
type GenerateTitleRequest struct {
	ChatID  string   `json:"chat_id" validate:"required"`
	Queries []string `json:"queries" validate:"required,min=1"`
}

type GenerateTitleResponse struct {
	Title string `json:"title"`
}

type RenameTitleRequest struct {
	ChatID string `json:"chat_id" validate:"required"`
	Title  string `json:"title" validate:"required"`
}

// HealthResponse mirrors the backend's pipeline health probe.
type HealthResponse struct {
	Status        string `json:"status"`
	PipelineReady bool   `json:"pipeline_ready"`
	QueueDepth    int    `json:"queue_depth"`
}
