// Package modelsvc is the HTTP client for self-hosted embedding and rerank model services.
package modelsvc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/guozhaokui/imgindex/internal/domain"
	"github.com/guozhaokui/imgindex/internal/metrics"
)

const (
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 512
)

// Config holds one model service endpoint.
type Config struct {
	// Name labels metrics and log lines.
	Name    string
	BaseURL string
	Timeout time.Duration
	// ModelName and ModelVersion are reported when the service omits them.
	ModelName    string
	ModelVersion string
	// QueryInstruction is sent with text queries to instruction-aware models.
	QueryInstruction string
	Logger           *zap.Logger
}

// Client talks to one model service. It implements domain.Embedder, domain.Reranker and
// domain.HealthChecker; which of them are meaningful depends on the deployed model.
type Client struct {
	name        string
	base        string
	model       string
	version     string
	instruction string
	http        *http.Client
	logger      *zap.Logger
}

// New creates a model service client.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		name:        cfg.Name,
		base:        strings.TrimRight(cfg.BaseURL, "/"),
		model:       cfg.ModelName,
		version:     cfg.ModelVersion,
		instruction: cfg.QueryInstruction,
		http:        &http.Client{Timeout: timeout},
		logger:      logger,
	}
}

type textRequest struct {
	Text        string `json:"text"`
	IsQuery     bool   `json:"is_query"`
	Instruction string `json:"instruction,omitempty"`
}

type imageRequest struct {
	ImageBase64 string `json:"image_base64"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
	Dimension int       `json:"dimension"`
	Model     string    `json:"model"`
	Version   string    `json:"version"`
}

// Embed implements domain.Embedder.
func (c *Client) Embed(ctx context.Context, in domain.Input) (domain.EmbeddingResult, error) {
	if err := in.Validate(); err != nil {
		return domain.EmbeddingResult{}, err
	}
	modality := string(in.Modality())

	var path string
	var body any
	switch in.Modality() {
	case domain.ModalityImage:
		path = "/embed/image/base64"
		body = imageRequest{ImageBase64: base64.StdEncoding.EncodeToString(in.Image)}
	default:
		path = "/embed/text"
		req := textRequest{Text: in.Text, IsQuery: in.Query}
		if in.Query {
			req.Instruction = c.instruction
		}
		body = req
	}

	start := time.Now()
	var resp embedResponse
	err := c.post(ctx, path, body, &resp)
	duration := time.Since(start)

	if err == nil && len(resp.Embedding) == 0 {
		err = fmt.Errorf("%s: empty embedding: %w", c.name, domain.ErrProviderUnavailable)
	}
	if err != nil {
		metrics.EmbeddingRequestsTotal.WithLabelValues(c.name, modality, "error").Inc()
		metrics.EmbeddingErrorsTotal.WithLabelValues(c.name, "api_error").Inc()
		return domain.EmbeddingResult{}, err
	}

	metrics.EmbeddingRequestsTotal.WithLabelValues(c.name, modality, "success").Inc()
	metrics.EmbeddingRequestDuration.WithLabelValues(c.name, modality).Observe(duration.Seconds())

	result := domain.EmbeddingResult{
		Embedding:    resp.Embedding,
		ModelName:    c.model,
		ModelVersion: c.version,
	}
	if resp.Model != "" {
		result.ModelName = resp.Model
	}
	if resp.Version != "" {
		result.ModelVersion = resp.Version
	}
	return result, nil
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopK      int      `json:"top_k,omitempty"`
}

type rerankResponse struct {
	Results []struct {
		Document      string  `json:"document"`
		Score         float64 `json:"score"`
		OriginalIndex int     `json:"original_index"`
	} `json:"results"`
}

// Rerank implements domain.Reranker. Every document is scored; the service returns them best
// first, each tagged with its position in the request.
func (c *Client) Rerank(ctx context.Context, query string, documents []string) ([]domain.RerankScore, error) {
	var resp rerankResponse
	req := rerankRequest{Query: query, Documents: documents, TopK: len(documents)}
	if err := c.post(ctx, "/rerank", req, &resp); err != nil {
		return nil, err
	}
	out := make([]domain.RerankScore, len(resp.Results))
	for i, r := range resp.Results {
		out[i] = domain.RerankScore{Index: r.OriginalIndex, Score: r.Score}
	}
	return out, nil
}

// HealthCheck implements domain.HealthChecker via GET /health.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/health", http.NoBody)
	if err != nil {
		return fmt.Errorf("%s: build health request: %w", c.name, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: health: %w: %w", c.name, domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: health status %d: %w", c.name, resp.StatusCode, domain.ErrProviderUnavailable)
	}
	return nil
}

// post sends a JSON body and decodes a JSON response. Transport failures, non-2xx statuses
// and undecodable bodies all wrap domain.ErrProviderUnavailable.
func (c *Client) post(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s: encode %s: %w", c.name, path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: build %s: %w", c.name, path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %w", c.name, path, domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Debug("Model service error response",
			zap.String("service", c.name),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", detail),
		)
		return fmt.Errorf("%s %s: status %d: %w", c.name, path, resp.StatusCode, domain.ErrProviderUnavailable)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w: %w", c.name, path, domain.ErrProviderUnavailable, err)
	}
	return nil
}
