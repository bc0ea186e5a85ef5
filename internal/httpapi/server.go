// Package httpapi exposes the coordinator over REST. Every mutation goes
// through the coordinator's write queue, so API writers get the same
// serialization and outbound fan-out as webhook deliveries.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/weftlabs/weft/internal/coordinator"
	"github.com/weftlabs/weft/internal/debug"
	"github.com/weftlabs/weft/internal/ids"
	"github.com/weftlabs/weft/internal/storage"
	"github.com/weftlabs/weft/internal/syncer"
	"github.com/weftlabs/weft/internal/types"
)

// maxBodySize caps API request bodies.
const maxBodySize = 1 << 20 // 1MB

// contextConfigKey is the store config key holding the repo context.
const contextConfigKey = "repo_context"

// Failure is the structured error record returned for every failed request.
// Kind values are stable identifiers clients can switch on.
type Failure struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

// Failure kinds.
const (
	KindValidation   = "validation"
	KindNotFound     = "not-found"
	KindStaleWrite   = "stale-write"
	KindCycle        = "cycle"
	KindSelfLoop     = "self-loop"
	KindDuplicate    = "duplicate"
	KindUnauthorized = "unauthorized"
	KindUnavailable  = "unavailable"
	KindInternal     = "internal"
)

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	Coordinator *coordinator.Coordinator
	APIKey      string // empty disables auth (local use)
}

// Server serves the coordinator REST API.
type Server struct {
	c          *coordinator.Coordinator
	apiKey     string
	mux        *http.ServeMux
	httpServer *http.Server
}

// NewServer creates the API server and registers its routes.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		c:      cfg.Coordinator,
		apiKey: cfg.APIKey,
		mux:    http.NewServeMux(),
	}

	s.mux.HandleFunc("POST /context", s.auth(s.handleSetContext))
	s.mux.HandleFunc("GET /issues", s.auth(s.handleListIssues))
	s.mux.HandleFunc("POST /issues", s.auth(s.handleCreateIssue))
	s.mux.HandleFunc("GET /issues/{id}", s.auth(s.handleGetIssue))
	s.mux.HandleFunc("PATCH /issues/{id}", s.auth(s.handlePatchIssue))
	s.mux.HandleFunc("POST /issues/{id}/close", s.auth(s.handleCloseIssue))
	s.mux.HandleFunc("POST /issues/{id}/comments", s.auth(s.handleAddComment))
	s.mux.HandleFunc("GET /ready", s.auth(s.handleReady))
	s.mux.HandleFunc("GET /blocked", s.auth(s.handleBlocked))
	s.mux.HandleFunc("GET /critical-path", s.auth(s.handleCriticalPath))
	s.mux.HandleFunc("POST /deps", s.auth(s.handleDeps))
	s.mux.HandleFunc("GET /stats", s.auth(s.handleStats))

	return s
}

// Start starts the HTTP server on the given address.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Handler returns the HTTP handler for use with custom servers.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// auth enforces the bearer API key when one is configured.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if s.apiKey != "" {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token != s.apiKey {
				s.writeFailure(w, http.StatusUnauthorized, Failure{
					Kind: KindUnauthorized, Message: "missing or invalid API key",
				})
				return
			}
		}
		next(w, r)
	}
}

// handleSetContext handles POST /context.
func (s *Server) handleSetContext(w http.ResponseWriter, r *http.Request) {
	var rc types.RepoContext
	if err := s.readJSON(r, &rc); err != nil {
		s.writeFailure(w, http.StatusBadRequest, Failure{Kind: KindValidation, Message: err.Error()})
		return
	}
	if rc.Owner == "" || rc.Name == "" {
		s.writeFailure(w, http.StatusBadRequest, Failure{
			Kind: KindValidation, Message: "owner and name are required",
		})
		return
	}

	raw, _ := json.Marshal(rc)
	err := s.c.Mutate(r.Context(), func(ctx context.Context) ([]*syncer.Effect, error) {
		return nil, s.c.Engine.Store.SetConfig(ctx, contextConfigKey, string(raw))
	})
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	s.writeJSON(w, http.StatusOK, rc)
}

// handleListIssues handles GET /issues with optional filters.
func (s *Server) handleListIssues(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter types.IssueFilter
	if v := q.Get("status"); v != "" {
		status, ok := types.NormalizeStatus(v)
		if !ok {
			s.writeFailure(w, http.StatusBadRequest, Failure{
				Kind: KindValidation, Message: "invalid status: " + v,
			})
			return
		}
		filter.Status = &status
	}
	if v := q.Get("type"); v != "" {
		it := types.IssueType(v)
		if !it.IsValid() {
			s.writeFailure(w, http.StatusBadRequest, Failure{
				Kind: KindValidation, Message: "invalid type: " + v,
			})
			return
		}
		filter.IssueType = &it
	}
	if v := q.Get("priority"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p < 0 || p > 4 {
			s.writeFailure(w, http.StatusBadRequest, Failure{
				Kind: KindValidation, Message: "invalid priority: " + v,
			})
			return
		}
		filter.Priority = &p
	}
	if v := q.Get("assignee"); v != "" {
		filter.Assignee = &v
	}
	if labels := q["label"]; len(labels) > 0 {
		filter.LabelsAny = labels
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}

	issues, err := s.c.Engine.Store.ListIssues(r.Context(), filter)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	if text := strings.ToLower(q.Get("q")); text != "" {
		matched := issues[:0]
		for _, issue := range issues {
			if strings.Contains(strings.ToLower(issue.Title), text) ||
				strings.Contains(strings.ToLower(issue.Body), text) {
				matched = append(matched, issue)
			}
		}
		issues = matched
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"issues": issues, "count": len(issues)})
}

// createIssueRequest is the POST /issues body.
type createIssueRequest struct {
	ID        string          `json:"id,omitempty"`
	Title     string          `json:"title"`
	Body      string          `json:"body,omitempty"`
	Status    string          `json:"status,omitempty"`
	Type      types.IssueType `json:"type,omitempty"`
	Priority  *int            `json:"priority,omitempty"`
	Labels    []string        `json:"labels,omitempty"`
	Assignees []string        `json:"assignees,omitempty"`
	Milestone string          `json:"milestone,omitempty"`
	Creator   string          `json:"creator,omitempty"`
}

// handleCreateIssue handles POST /issues.
func (s *Server) handleCreateIssue(w http.ResponseWriter, r *http.Request) {
	var req createIssueRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeFailure(w, http.StatusBadRequest, Failure{Kind: KindValidation, Message: err.Error()})
		return
	}

	now := time.Now()
	issue := &types.Issue{
		ID:          req.ID,
		Title:       req.Title,
		Body:        req.Body,
		IssueType:   req.Type,
		Priority:    types.DefaultPriority,
		Labels:      req.Labels,
		Assignees:   req.Assignees,
		MilestoneID: req.Milestone,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.Priority != nil {
		issue.Priority = *req.Priority
	}
	if req.Status != "" {
		status, ok := types.NormalizeStatus(req.Status)
		if !ok {
			s.writeFailure(w, http.StatusBadRequest, Failure{
				Kind: KindValidation, Message: "invalid status: " + req.Status,
			})
			return
		}
		issue.Status = status
	}
	if issue.ID == "" {
		prefix := s.c.Engine.Prefix
		if prefix == "" {
			prefix = syncer.DefaultPrefix
		}
		issue.ID = ids.NewIssueID(prefix, issue.Title, req.Creator, now, 0)
	}
	issue.SetDefaults()
	if err := issue.Validate(); err != nil {
		s.writeFailure(w, http.StatusBadRequest, Failure{Kind: KindValidation, Message: err.Error()})
		return
	}

	err := s.c.Mutate(r.Context(), func(ctx context.Context) ([]*syncer.Effect, error) {
		if _, err := s.c.Engine.Store.GetIssue(ctx, issue.ID); err == nil {
			return nil, fmt.Errorf("issue %s: %w", issue.ID, storage.ErrDuplicateRef)
		} else if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		if err := s.c.Engine.Store.UpsertIssue(ctx, issue, storage.Guard{}); err != nil {
			return nil, err
		}
		return s.c.Engine.OutboundEffects(nil, issue, originAPI), nil
	})
	if err != nil {
		s.writeError(w, err, map[string]any{"id": issue.ID})
		return
	}
	s.writeJSON(w, http.StatusCreated, issue)
}

// handleGetIssue handles GET /issues/{id}.
func (s *Server) handleGetIssue(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	issue, err := s.c.Engine.Store.GetIssue(r.Context(), id)
	if err != nil {
		s.writeError(w, err, map[string]any{"id": id})
		return
	}
	s.writeJSON(w, http.StatusOK, issue)
}

// patchIssueRequest is the PATCH /issues/{id} body. Nil fields are left
// untouched; ExpectedUpdatedAt arms the optimistic-concurrency guard.
type patchIssueRequest struct {
	Title             *string          `json:"title,omitempty"`
	Body              *string          `json:"body,omitempty"`
	Status            *string          `json:"status,omitempty"`
	Type              *types.IssueType `json:"type,omitempty"`
	Priority          *int             `json:"priority,omitempty"`
	Labels            []string         `json:"labels,omitempty"`
	Assignees         []string         `json:"assignees,omitempty"`
	Milestone         *string          `json:"milestone,omitempty"`
	ExpectedUpdatedAt *time.Time       `json:"expected_updated_at,omitempty"`
}

// handlePatchIssue handles PATCH /issues/{id}.
func (s *Server) handlePatchIssue(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req patchIssueRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeFailure(w, http.StatusBadRequest, Failure{Kind: KindValidation, Message: err.Error()})
		return
	}

	var updated *types.Issue
	err := s.c.Mutate(r.Context(), func(ctx context.Context) ([]*syncer.Effect, error) {
		stored, err := s.c.Engine.Store.GetIssue(ctx, id)
		if err != nil {
			return nil, err
		}
		prev := stored.Clone()

		next := stored.Clone()
		if req.Title != nil {
			next.Title = *req.Title
		}
		if req.Body != nil {
			next.Body = *req.Body
		}
		if req.Status != nil {
			status, ok := types.NormalizeStatus(*req.Status)
			if !ok {
				return nil, fmt.Errorf("invalid status %q", *req.Status)
			}
			next.Status = status
			if status == types.StatusClosed && next.ClosedAt == nil {
				now := time.Now()
				next.ClosedAt = &now
			}
			if status != types.StatusClosed {
				next.ClosedAt = nil
			}
		}
		if req.Type != nil {
			next.IssueType = *req.Type
		}
		if req.Priority != nil {
			next.Priority = *req.Priority
		}
		if req.Labels != nil {
			next.Labels = req.Labels
		}
		if req.Assignees != nil {
			next.Assignees = req.Assignees
		}
		if req.Milestone != nil {
			next.MilestoneID = *req.Milestone
		}
		next.UpdatedAt = time.Now()
		if err := next.Validate(); err != nil {
			return nil, err
		}

		guard := storage.Guard{}
		if req.ExpectedUpdatedAt != nil {
			guard.ExpectedUpdatedAt = *req.ExpectedUpdatedAt
		}
		if err := s.c.Engine.Store.UpsertIssue(ctx, next, guard); err != nil {
			return nil, err
		}
		updated = next
		return s.c.Engine.OutboundEffects(prev, next, originAPI), nil
	})
	if err != nil {
		s.writeError(w, err, map[string]any{"id": id})
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

// closeIssueRequest is the POST /issues/{id}/close body.
type closeIssueRequest struct {
	Reason string `json:"reason,omitempty"`
}

// handleCloseIssue handles POST /issues/{id}/close.
func (s *Server) handleCloseIssue(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req closeIssueRequest
	if err := s.readJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		s.writeFailure(w, http.StatusBadRequest, Failure{Kind: KindValidation, Message: err.Error()})
		return
	}

	var closed *types.Issue
	err := s.c.Mutate(r.Context(), func(ctx context.Context) ([]*syncer.Effect, error) {
		stored, err := s.c.Engine.Store.GetIssue(ctx, id)
		if err != nil {
			return nil, err
		}
		prev := stored.Clone()
		if err := s.c.Engine.Store.CloseIssue(ctx, id, req.Reason); err != nil {
			return nil, err
		}
		next, err := s.c.Engine.Store.GetIssue(ctx, id)
		if err != nil {
			return nil, err
		}
		closed = next
		return s.c.Engine.OutboundEffects(prev, next, originAPI), nil
	})
	if err != nil {
		s.writeError(w, err, map[string]any{"id": id})
		return
	}
	s.writeJSON(w, http.StatusOK, closed)
}

// addCommentRequest is the POST /issues/{id}/comments body.
type addCommentRequest struct {
	Body   string `json:"body"`
	Author string `json:"author,omitempty"`
}

// handleAddComment handles POST /issues/{id}/comments. The comment is
// propagated to upstreams the issue is mapped to; weft itself does not store
// comment bodies.
func (s *Server) handleAddComment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req addCommentRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeFailure(w, http.StatusBadRequest, Failure{Kind: KindValidation, Message: err.Error()})
		return
	}
	if strings.TrimSpace(req.Body) == "" {
		s.writeFailure(w, http.StatusBadRequest, Failure{
			Kind: KindValidation, Message: "comment body is required",
		})
		return
	}

	var queued int
	err := s.c.Mutate(r.Context(), func(ctx context.Context) ([]*syncer.Effect, error) {
		issue, err := s.c.Engine.Store.GetIssue(ctx, id)
		if err != nil {
			return nil, err
		}
		var effects []*syncer.Effect
		if ref, ok := issue.ExternalRefs[ids.UpstreamGitHub]; ok && s.c.Engine.GitHub != nil {
			if number, ok := ids.ParseGitHubRef(ref); ok {
				eff := syncer.NewEffect(syncer.EffectGitHubComment)
				eff.IssueID = issue.ID
				eff.Number = number
				eff.Body = req.Body
				if req.Author != "" {
					eff.Body = "_" + req.Author + "_\n\n" + req.Body
				}
				effects = append(effects, eff)
			}
		}
		queued = len(effects)
		return effects, nil
	})
	if err != nil {
		s.writeError(w, err, map[string]any{"id": id})
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"queued": queued})
}

// handleReady handles GET /ready.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	snap, err := s.c.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"issues": snap.Ready()})
}

// handleBlocked handles GET /blocked.
func (s *Server) handleBlocked(w http.ResponseWriter, r *http.Request) {
	snap, err := s.c.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"issues": snap.Blocked()})
}

// handleCriticalPath handles GET /critical-path.
func (s *Server) handleCriticalPath(w http.ResponseWriter, r *http.Request) {
	snap, err := s.c.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"issues": snap.CriticalPath()})
}

// depsRequest is the POST /deps body.
type depsRequest struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Kind   string `json:"kind,omitempty"`
	Remove bool   `json:"remove,omitempty"`
}

// handleDeps handles POST /deps.
func (s *Server) handleDeps(w http.ResponseWriter, r *http.Request) {
	var req depsRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeFailure(w, http.StatusBadRequest, Failure{Kind: KindValidation, Message: err.Error()})
		return
	}
	kind := types.DepKind(req.Kind)
	if req.Kind == "" {
		kind = types.DepBlocks
	}
	if !kind.IsValid() {
		s.writeFailure(w, http.StatusBadRequest, Failure{
			Kind: KindValidation, Message: "invalid dependency kind: " + req.Kind,
		})
		return
	}
	if req.From == "" || req.To == "" {
		s.writeFailure(w, http.StatusBadRequest, Failure{
			Kind: KindValidation, Message: "from and to are required",
		})
		return
	}

	err := s.c.Mutate(r.Context(), func(ctx context.Context) ([]*syncer.Effect, error) {
		if req.Remove {
			return nil, s.c.Engine.Store.DeleteEdge(ctx, req.From, req.To, kind)
		}
		return nil, s.c.Engine.Store.AddEdge(ctx, types.DepEdge{
			From: req.From, To: req.To, Kind: kind, CreatedAt: time.Now(),
		})
	})
	if err != nil {
		s.writeError(w, err, map[string]any{"from": req.From, "to": req.To})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"from": req.From, "to": req.To, "kind": kind, "removed": req.Remove,
	})
}

// handleStats handles GET /stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.c.Engine.Store.GetStatistics(r.Context())
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// originAPI marks API-originated writes so fan-out reaches every upstream.
const originAPI = "api"

func (s *Server) readJSON(r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("failed to read request body: %w", err)
	}
	if len(raw) == 0 {
		return io.EOF
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps storage and coordinator sentinels onto HTTP statuses and
// the structured failure record.
func (s *Server) writeError(w http.ResponseWriter, err error, context map[string]any) {
	status, kind := http.StatusInternalServerError, KindInternal
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status, kind = http.StatusNotFound, KindNotFound
	case errors.Is(err, storage.ErrStaleWrite):
		status, kind = http.StatusConflict, KindStaleWrite
	case errors.Is(err, storage.ErrCycle):
		status, kind = http.StatusUnprocessableEntity, KindCycle
	case errors.Is(err, storage.ErrSelfLoop):
		status, kind = http.StatusUnprocessableEntity, KindSelfLoop
	case errors.Is(err, storage.ErrMissingEndpoint):
		status, kind = http.StatusUnprocessableEntity, KindValidation
	case errors.Is(err, storage.ErrDuplicateRef):
		status, kind = http.StatusConflict, KindDuplicate
	case errors.Is(err, coordinator.ErrNotActive):
		status, kind = http.StatusServiceUnavailable, KindUnavailable
	default:
		debug.Logf("httpapi: internal error: %v", err)
	}
	s.writeFailure(w, status, Failure{Kind: kind, Message: err.Error(), Context: context})
}

func (s *Server) writeFailure(w http.ResponseWriter, status int, f Failure) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": f})
}
