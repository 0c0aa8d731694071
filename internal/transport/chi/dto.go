package chi

// ErrorCode is a machine-readable error class returned to clients.
type ErrorCode string

// Error codes.
const (
	ErrorCodeBadRequest           ErrorCode = "bad_request"
	ErrorCodeUnauthorized         ErrorCode = "unauthorized"
	ErrorCodeValidationFailed     ErrorCode = "validation_failed"
	ErrorCodeIndexNotFound        ErrorCode = "index_not_found"
	ErrorCodeDimensionMismatch    ErrorCode = "dimension_mismatch"
	ErrorCodeConfigMismatch       ErrorCode = "config_mismatch"
	ErrorCodeUnsupportedInput     ErrorCode = "unsupported_input"
	ErrorCodeProviderError        ErrorCode = "provider_error"
	ErrorCodeProvidersUnavailable ErrorCode = "providers_unavailable"
	ErrorCodePersistenceError     ErrorCode = "persistence_error"
	ErrorCodeInternalError        ErrorCode = "internal_error"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// IndexMeta describes one index.
type IndexMeta struct {
	Name         string `json:"name"`
	Dimension    int    `json:"dimension"`
	ModelName    string `json:"model_name"`
	ModelVersion string `json:"model_version"`
	ShardSize    int    `json:"shard_size"`
	Count        int    `json:"count"`
}

// IndexListResponse lists indexes.
type IndexListResponse struct {
	Items []IndexMeta `json:"items"`
}

// AddVectorRequest stores a precomputed vector.
type AddVectorRequest struct {
	Vector    []float32 `json:"vector"`
	ContentID string    `json:"content_id"`
	Tag       string    `json:"tag"`
}

// AddVectorResponse reports where the vector was stored.
type AddVectorResponse struct {
	Index    string `json:"index"`
	Position int    `json:"position"`
}

// VectorSearchRequest queries one index with a raw vector.
type VectorSearchRequest struct {
	Vector []float32 `json:"vector"`
	TopK   int       `json:"top_k,omitempty"`
	// Deduplicate collapses rows by content id. Defaults to true.
	Deduplicate *bool `json:"deduplicate,omitempty"`
}

// SearchRequest is a multi-index query. Exactly one of Query or ImageBase64 is set.
type SearchRequest struct {
	Query       string   `json:"query,omitempty"`
	ImageBase64 string   `json:"image_base64,omitempty"`
	Indexes     []string `json:"indexes,omitempty"`
	TopK        int      `json:"top_k,omitempty"`
	Rerank      bool     `json:"rerank,omitempty"`
}

// SearchResultItem is one ranked content id.
type SearchResultItem struct {
	ContentID   string   `json:"content_id"`
	Score       float64  `json:"score"`
	MatchedBy   string   `json:"matched_by"`
	IndexName   string   `json:"index_name"`
	ModelName   string   `json:"model_name"`
	VectorScore *float64 `json:"vector_score,omitempty"`
	RerankScore *float64 `json:"rerank_score,omitempty"`
}

// IndexRef names a searched index and its model.
type IndexRef struct {
	Index string `json:"index"`
	Model string `json:"model"`
}

// SkippedIndex names an index left out of a search.
type SkippedIndex struct {
	Index  string `json:"index"`
	Reason string `json:"reason"`
}

// SearchResponse is the merged ranking.
type SearchResponse struct {
	Items    []SearchResultItem `json:"items"`
	Total    int                `json:"total"`
	Searched []IndexRef         `json:"searched,omitempty"`
	Skipped  []SkippedIndex     `json:"skipped,omitempty"`
	Reranked bool               `json:"reranked"`
}

// IndexTextRequest embeds a text for a content id.
type IndexTextRequest struct {
	Text    string   `json:"text"`
	Tag     string   `json:"tag"`
	Indexes []string `json:"indexes,omitempty"`
}

// IndexImageRequest embeds an image for a content id.
type IndexImageRequest struct {
	ImageBase64 string   `json:"image_base64"`
	Indexes     []string `json:"indexes,omitempty"`
}

// AddedItem is one index updated by an ingest call.
type AddedItem struct {
	Index    string `json:"index"`
	Position int    `json:"position"`
}

// FailedItem is one index an ingest call could not update.
type FailedItem struct {
	Index   string    `json:"index"`
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// IngestResponse reports the per-index outcome of an ingest call.
type IngestResponse struct {
	ContentID string       `json:"content_id"`
	Added     []AddedItem  `json:"added"`
	Failed    []FailedItem `json:"failed,omitempty"`
}

// RemovedItem is the number of vectors dropped from one index.
type RemovedItem struct {
	Index   string `json:"index"`
	Removed int    `json:"removed"`
}

// RemoveResponse reports a removal.
type RemoveResponse struct {
	ContentID string        `json:"content_id"`
	Removed   []RemovedItem `json:"removed"`
	Total     int           `json:"total"`
}

// HealthResponse is the aggregated health report.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}
