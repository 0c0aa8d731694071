package chi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/guozhaokui/imgindex/internal/db/flat"
	"github.com/guozhaokui/imgindex/internal/domain"
	"github.com/guozhaokui/imgindex/internal/domain/search/request"
	"github.com/guozhaokui/imgindex/internal/domain/search/result"
	healthuc "github.com/guozhaokui/imgindex/internal/usecase/health"
	ingestuc "github.com/guozhaokui/imgindex/internal/usecase/ingest"
	searchuc "github.com/guozhaokui/imgindex/internal/usecase/search"
)

const defaultMaxBodyBytes = 32 << 20

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error, msg string) bool

// Server serves the index and search HTTP API.
type Server struct {
	search        *searchuc.Service
	ingest        *ingestuc.Service
	health        *healthuc.Service
	limits        request.Limits
	maxBodyBytes  int64
	logger        *zap.Logger
	errorHandlers []errorHandler
}

// NewServer creates an HTTP API server.
func NewServer(
	search *searchuc.Service,
	ingest *ingestuc.Service,
	health *healthuc.Service,
	logger *zap.Logger,
) *Server {
	s := &Server{
		search:       search,
		ingest:       ingest,
		health:       health,
		maxBodyBytes: defaultMaxBodyBytes,
		logger:       logger,
	}
	// Order matters: ErrAllProvidersUnavailable is checked before the per-provider sentinel.
	s.errorHandlers = []errorHandler{
		sentinelHandler(domain.ErrNotFound, http.StatusNotFound, ErrorCodeIndexNotFound),
		sentinelHandler(domain.ErrDimensionMismatch, http.StatusBadRequest, ErrorCodeDimensionMismatch),
		validationHandler(domain.ErrZeroVector),
		validationHandler(domain.ErrInvalidRequest),
		sentinelHandler(domain.ErrUnsupportedInput, http.StatusBadRequest, ErrorCodeUnsupportedInput),
		sentinelHandler(domain.ErrConfigMismatch, http.StatusConflict, ErrorCodeConfigMismatch),
		sentinelHandler(domain.ErrAllProvidersUnavailable,
			http.StatusServiceUnavailable, ErrorCodeProvidersUnavailable),
		sentinelHandler(domain.ErrProviderUnavailable, http.StatusBadGateway, ErrorCodeProviderError),
		sentinelHandler(domain.ErrPersistence, http.StatusInternalServerError, ErrorCodePersistenceError),
	}
	return s
}

// WithLimits configures top_k limits and the request body cap.
func (s *Server) WithLimits(limits request.Limits, maxBodyBytes int64) *Server {
	s.limits = limits
	if maxBodyBytes > 0 {
		s.maxBodyBytes = maxBodyBytes
	}
	return s
}

// Routes registers every endpoint on r.
func (s *Server) Routes(r chi.Router) {
	r.Get("/health", s.HealthCheck)
	r.Get("/metrics", s.Metrics)

	r.Route("/indexes", func(r chi.Router) {
		r.Get("/", s.ListIndexes)
		r.Route("/{index}", func(r chi.Router) {
			r.Get("/", s.GetIndex)
			r.Post("/vectors", s.AddVector)
			r.Post("/search", s.SearchIndex)
			r.Delete("/contents/{content_id}", s.RemoveFromIndex)
		})
	})

	r.Route("/contents/{content_id}", func(r chi.Router) {
		r.Delete("/", s.RemoveContent)
		r.Post("/text", s.IndexText)
		r.Post("/image", s.IndexImage)
	})

	r.Post("/search", s.Search)
}

// ListIndexes handles GET /indexes.
func (s *Server) ListIndexes(w http.ResponseWriter, r *http.Request) {
	metas, err := s.ingest.List(r.Context())
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	items := make([]IndexMeta, len(metas))
	for i, m := range metas {
		items[i] = indexMetaToDTO(m)
	}
	writeJSON(w, http.StatusOK, IndexListResponse{Items: items})
}

// GetIndex handles GET /indexes/{index}.
func (s *Server) GetIndex(w http.ResponseWriter, r *http.Request) {
	m, err := s.ingest.Describe(r.Context(), chi.URLParam(r, "index"))
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, indexMetaToDTO(m))
}

// AddVector handles POST /indexes/{index}/vectors.
func (s *Server) AddVector(w http.ResponseWriter, r *http.Request) {
	var req AddVectorRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.ContentID == "" || len(req.Vector) == 0 {
		writeError(w, http.StatusBadRequest, ErrorCodeValidationFailed, "vector and content_id are required")
		return
	}

	index := chi.URLParam(r, "index")
	pos, err := s.ingest.AddVector(r.Context(), index, req.Vector, req.ContentID, req.Tag)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, AddVectorResponse{Index: index, Position: pos})
}

// SearchIndex handles POST /indexes/{index}/search.
func (s *Server) SearchIndex(w http.ResponseWriter, r *http.Request) {
	var req VectorSearchRequest
	if !s.decode(w, r, &req) {
		return
	}
	topK, err := request.ClampTopK(req.TopK, s.limits)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	dedup := req.Deduplicate == nil || *req.Deduplicate

	results, err := s.search.SearchIndex(r.Context(), chi.URLParam(r, "index"), req.Vector, topK, dedup)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	items := make([]SearchResultItem, len(results))
	for i := range results {
		items[i] = searchResultToDTO(&results[i])
	}
	writeJSON(w, http.StatusOK, SearchResponse{Items: items, Total: len(items)})
}

// Search handles POST /search.
func (s *Server) Search(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if !s.decode(w, r, &req) {
		return
	}
	searchReq, err := searchRequestFromDTO(req, s.limits)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrorCodeValidationFailed, err.Error())
		return
	}

	ctx, usage := domain.NewContextWithUsage(r.Context())
	resp, err := s.search.Search(ctx, &searchReq)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	setEmbeddingHeaders(w, usage)
	writeJSON(w, http.StatusOK, searchResponseToDTO(resp))
}

// RemoveFromIndex handles DELETE /indexes/{index}/contents/{content_id}.
func (s *Server) RemoveFromIndex(w http.ResponseWriter, r *http.Request) {
	index := chi.URLParam(r, "index")
	contentID := chi.URLParam(r, "content_id")
	n, err := s.ingest.Remove(r.Context(), index, contentID)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	resp := RemoveResponse{ContentID: contentID, Removed: []RemovedItem{}, Total: n}
	if n > 0 {
		resp.Removed = append(resp.Removed, RemovedItem{Index: index, Removed: n})
	}
	writeJSON(w, http.StatusOK, resp)
}

// RemoveContent handles DELETE /contents/{content_id}.
func (s *Server) RemoveContent(w http.ResponseWriter, r *http.Request) {
	contentID := chi.URLParam(r, "content_id")
	removed, err := s.ingest.RemoveEverywhere(r.Context(), contentID)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	resp := RemoveResponse{ContentID: contentID, Removed: make([]RemovedItem, len(removed))}
	for i, rm := range removed {
		resp.Removed[i] = RemovedItem{Index: rm.Index, Removed: rm.Removed}
		resp.Total += rm.Removed
	}
	writeJSON(w, http.StatusOK, resp)
}

// IndexText handles POST /contents/{content_id}/text.
func (s *Server) IndexText(w http.ResponseWriter, r *http.Request) {
	var req IndexTextRequest
	if !s.decode(w, r, &req) {
		return
	}
	contentID := chi.URLParam(r, "content_id")
	ctx, usage := domain.NewContextWithUsage(r.Context())
	rep, err := s.ingest.IndexText(ctx, contentID, req.Tag, req.Text, req.Indexes)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	setEmbeddingHeaders(w, usage)
	writeJSON(w, http.StatusCreated, ingestReportToDTO(contentID, rep))
}

// IndexImage handles POST /contents/{content_id}/image.
func (s *Server) IndexImage(w http.ResponseWriter, r *http.Request) {
	var req IndexImageRequest
	if !s.decode(w, r, &req) {
		return
	}
	img, err := base64.StdEncoding.DecodeString(req.ImageBase64)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrorCodeValidationFailed, "image_base64 is not valid base64")
		return
	}
	contentID := chi.URLParam(r, "content_id")
	ctx, usage := domain.NewContextWithUsage(r.Context())
	rep, err := s.ingest.IndexImage(ctx, contentID, img, req.Indexes)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	setEmbeddingHeaders(w, usage)
	writeJSON(w, http.StatusCreated, ingestReportToDTO(contentID, rep))
}

// HealthCheck handles GET /health.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check(r.Context())

	checks := make(map[string]string, len(report.Checks))
	for k, v := range report.Checks {
		checks[k] = string(v)
	}

	httpStatus := http.StatusOK
	if report.Status != healthuc.Healthy {
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, HealthResponse{
		Status: string(report.Status),
		Checks: checks,
	})
}

// Metrics handles GET /metrics.
func (s *Server) Metrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, ErrorCodeBadRequest, "request body too large")
		case errors.Is(err, io.EOF):
			writeError(w, http.StatusBadRequest, ErrorCodeBadRequest, "request body is empty")
		default:
			writeError(w, http.StatusBadRequest, ErrorCodeBadRequest, "Invalid request body: "+err.Error())
		}
		return false
	}
	return true
}

func setEmbeddingHeaders(w http.ResponseWriter, usage *domain.EmbeddingUsage) {
	if total, used := usage.Tokens(); used {
		w.Header().Set("X-Embedding-Tokens", strconv.Itoa(total))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code ErrorCode, message string) {
	writeJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
	})
}

// safeDomainMessage returns a sentinel error message for the client without exposing internals.
func safeDomainMessage(err error) string {
	sentinels := []error{
		domain.ErrNotFound,
		domain.ErrDimensionMismatch,
		domain.ErrZeroVector,
		domain.ErrInvalidRequest,
		domain.ErrUnsupportedInput,
		domain.ErrConfigMismatch,
		domain.ErrAllProvidersUnavailable,
		domain.ErrProviderUnavailable,
		domain.ErrPersistence,
	}
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return "internal error"
}

// sentinelHandler returns an errorHandler that matches a single sentinel error.
func sentinelHandler(sentinel error, status int, code ErrorCode) errorHandler {
	return func(w http.ResponseWriter, err error, msg string) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, code, msg)
		return true
	}
}

// validationHandler maps caller mistakes to 400 and keeps the detail, which only describes
// the caller's own input.
func validationHandler(sentinel error) errorHandler {
	return func(w http.ResponseWriter, err error, _ string) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, http.StatusBadRequest, ErrorCodeValidationFailed, err.Error())
		return true
	}
}

func (s *Server) handleDomainError(w http.ResponseWriter, err error) {
	s.logger.Warn("domain error", zap.Error(err))
	msg := safeDomainMessage(err)
	for _, h := range s.errorHandlers {
		if h(w, err, msg) {
			return
		}
	}
	s.logger.Error("internal error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, ErrorCodeInternalError, "internal error")
}

// errorCode classifies an error the way handleDomainError would.
func errorCode(err error) ErrorCode {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return ErrorCodeIndexNotFound
	case errors.Is(err, domain.ErrDimensionMismatch):
		return ErrorCodeDimensionMismatch
	case errors.Is(err, domain.ErrZeroVector), errors.Is(err, domain.ErrInvalidRequest):
		return ErrorCodeValidationFailed
	case errors.Is(err, domain.ErrUnsupportedInput):
		return ErrorCodeUnsupportedInput
	case errors.Is(err, domain.ErrConfigMismatch):
		return ErrorCodeConfigMismatch
	case errors.Is(err, domain.ErrProviderUnavailable):
		return ErrorCodeProviderError
	case errors.Is(err, domain.ErrPersistence):
		return ErrorCodePersistenceError
	default:
		return ErrorCodeInternalError
	}
}

func indexMetaToDTO(m flat.Meta) IndexMeta {
	return IndexMeta{
		Name:         m.IndexName,
		Dimension:    m.Dimension,
		ModelName:    m.ModelName,
		ModelVersion: m.ModelVersion,
		ShardSize:    m.ShardSize,
		Count:        m.TotalCount,
	}
}

func searchRequestFromDTO(req SearchRequest, limits request.Limits) (request.Request, error) {
	var in domain.Input
	switch {
	case req.Query != "" && req.ImageBase64 != "":
		return request.Request{}, errors.New("query and image_base64 are mutually exclusive")
	case req.ImageBase64 != "":
		img, err := base64.StdEncoding.DecodeString(req.ImageBase64)
		if err != nil {
			return request.Request{}, errors.New("image_base64 is not valid base64")
		}
		in = domain.ImageInput(img, true)
	default:
		in = domain.TextInput(req.Query, true)
	}

	r, err := request.New(in, req.Indexes, req.TopK, req.Rerank, limits)
	if err != nil {
		return request.Request{}, fmt.Errorf("build search request: %w", err)
	}
	return r, nil
}

func searchResultToDTO(r *result.Result) SearchResultItem {
	return SearchResultItem{
		ContentID:   r.ContentID(),
		Score:       r.Score(),
		MatchedBy:   r.MatchedBy(),
		IndexName:   r.IndexName(),
		ModelName:   r.ModelName(),
		VectorScore: r.VectorScore(),
		RerankScore: r.RerankScore(),
	}
}

func searchResponseToDTO(resp searchuc.Response) SearchResponse {
	out := SearchResponse{
		Items:    make([]SearchResultItem, len(resp.Results)),
		Total:    len(resp.Results),
		Reranked: resp.Reranked,
	}
	for i := range resp.Results {
		out.Items[i] = searchResultToDTO(&resp.Results[i])
	}
	for _, ref := range resp.Searched {
		out.Searched = append(out.Searched, IndexRef{Index: ref.Index, Model: ref.Model})
	}
	for _, sk := range resp.Skipped {
		out.Skipped = append(out.Skipped, SkippedIndex{Index: sk.Index, Reason: sk.Reason})
	}
	return out
}

func ingestReportToDTO(contentID string, rep ingestuc.Report) IngestResponse {
	out := IngestResponse{ContentID: contentID, Added: make([]AddedItem, len(rep.Added))}
	for i, a := range rep.Added {
		out.Added[i] = AddedItem{Index: a.Index, Position: a.Position}
	}
	for _, f := range rep.Failed {
		out.Failed = append(out.Failed, FailedItem{
			Index:   f.Index,
			Code:    errorCode(f.Err),
			Message: safeDomainMessage(f.Err),
		})
	}
	return out
}
