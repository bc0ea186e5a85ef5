// Package webhook is the ingress for GitHub and Linear deliveries. Every
// request is signature-checked over the raw body before parsing; verified
// payloads are routed to the coordinator for the repository they name, and
// the response is sent once the coordinator has committed the event, not
// after downstream sync completes.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/weftlabs/weft/internal/coordinator"
	"github.com/weftlabs/weft/internal/debug"
	"github.com/weftlabs/weft/internal/github"
	"github.com/weftlabs/weft/internal/ids"
	"github.com/weftlabs/weft/internal/linear"
	"github.com/weftlabs/weft/internal/syncer"
	"github.com/weftlabs/weft/internal/telemetry"
	"github.com/weftlabs/weft/internal/types"
)

// maxBodySize caps webhook request bodies.
const maxBodySize = 1 << 20 // 1MB

// Resolver maps a delivery to the coordinator that owns its repository.
// GitHub tenants are keyed "owner/name"; Linear tenants by organization id.
type Resolver interface {
	Coordinator(upstream, tenant string) (*coordinator.Coordinator, bool)
}

// StaticResolver serves a single repository. LinearOrg may be empty to
// accept deliveries from any Linear organization.
type StaticResolver struct {
	C         *coordinator.Coordinator
	Repo      string // "owner/name"
	LinearOrg string
}

// Coordinator implements Resolver.
func (r StaticResolver) Coordinator(upstream, tenant string) (*coordinator.Coordinator, bool) {
	switch upstream {
	case ids.UpstreamGitHub:
		if tenant != r.Repo {
			return nil, false
		}
	case ids.UpstreamLinear:
		if r.LinearOrg != "" && tenant != r.LinearOrg {
			return nil, false
		}
	default:
		return nil, false
	}
	return r.C, true
}

// ServerConfig holds configuration for the webhook server.
type ServerConfig struct {
	Resolver     Resolver
	GitHubSecret []byte
	LinearSecret []byte
	Metrics      *telemetry.SyncMetrics
}

// Server handles inbound webhook HTTP requests.
type Server struct {
	resolver     Resolver
	githubSecret []byte
	linearSecret []byte
	metrics      *telemetry.SyncMetrics
	now          func() time.Time
	mux          *http.ServeMux
	httpServer   *http.Server
}

// NewServer creates a new webhook server.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		resolver:     cfg.Resolver,
		githubSecret: cfg.GitHubSecret,
		linearSecret: cfg.LinearSecret,
		metrics:      cfg.Metrics,
		now:          time.Now,
		mux:          http.NewServeMux(),
	}

	s.mux.HandleFunc("/webhooks/github", s.handleGitHub)
	s.mux.HandleFunc("/webhooks/linear", s.handleLinear)
	s.mux.HandleFunc("/health", s.handleHealth)

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

// deliveryResponse is the JSON body for accepted (and rejected) deliveries.
type deliveryResponse struct {
	Outcome    string `json:"outcome,omitempty"`
	DeliveryID string `json:"delivery_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// githubPayload is the subset of a GitHub webhook body weft consumes.
type githubPayload struct {
	Action     string          `json:"action"`
	Issue      *github.Issue   `json:"issue,omitempty"`
	Comment    *github.Comment `json:"comment,omitempty"`
	Repository *struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository,omitempty"`
}

// handleGitHub handles POST /webhooks/github.
func (s *Server) handleGitHub(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed: use POST")
		return
	}

	body, err := s.readBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(s.githubSecret) == 0 || !VerifyGitHubSignature(s.githubSecret, body, r.Header.Get("X-Hub-Signature-256")) {
		s.writeError(w, http.StatusUnauthorized, "signature verification failed")
		return
	}

	var p githubPayload
	if err := json.Unmarshal(body, &p); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if p.Repository == nil || p.Repository.Owner.Login == "" {
		s.writeError(w, http.StatusBadRequest, "payload missing repository")
		return
	}

	tenant := p.Repository.Owner.Login + "/" + p.Repository.Name
	c, ok := s.resolver.Coordinator(ids.UpstreamGitHub, tenant)
	if !ok {
		s.writeError(w, http.StatusNotFound, "no integration for "+tenant)
		return
	}

	event := r.Header.Get("X-GitHub-Event")
	deliveryID := r.Header.Get("X-GitHub-Delivery")

	d := syncer.Delivery{
		Upstream:   ids.UpstreamGitHub,
		Kind:       event + "." + p.Action,
		DeliveryID: deliveryID,
	}
	switch {
	case event == "issues" && p.Issue != nil:
		if p.Issue.PullRequest != nil {
			s.writeOutcome(w, types.OutcomeIgnored, deliveryID)
			return
		}
		d.Issue = github.ToCanonical(p.Issue)
	default:
		// Unhandled event types are acknowledged so GitHub does not retry.
		s.writeOutcome(w, types.OutcomeIgnored, deliveryID)
		return
	}

	s.deliver(w, r, c, d)
}

// handleLinear handles POST /webhooks/linear.
func (s *Server) handleLinear(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed: use POST")
		return
	}

	body, err := s.readBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(s.linearSecret) == 0 || !VerifyLinearSignature(s.linearSecret, body, r.Header.Get("Linear-Signature")) {
		s.writeError(w, http.StatusUnauthorized, "signature verification failed")
		return
	}

	var p linear.WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if !TimestampFresh(p.WebhookTimestamp, s.now()) {
		s.writeError(w, http.StatusUnauthorized, "webhook timestamp outside replay window")
		return
	}

	c, ok := s.resolver.Coordinator(ids.UpstreamLinear, p.OrganizationID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "no integration for organization")
		return
	}

	deliveryID := r.Header.Get("Linear-Delivery")
	if deliveryID == "" {
		deliveryID = p.WebhookID
	}

	d := syncer.Delivery{
		Upstream:   ids.UpstreamLinear,
		Kind:       p.Type + "." + p.Action,
		DeliveryID: deliveryID,
	}
	switch {
	case p.Type == "Issue" && (p.Action == "create" || p.Action == "update"):
		d.Issue = linear.WebhookIssue(&p.Data)
	case p.Type == "Comment" && p.Action == "create":
		author := ""
		if p.Data.User != nil {
			author = p.Data.User.Name
		}
		d.Comment = &syncer.CommentDelivery{
			UpstreamCommentID: p.Data.ID,
			IssueUpstreamID:   p.Data.IssueID,
			Body:              p.Data.Body,
			Author:            author,
			URL:               p.Data.URL,
		}
	default:
		s.writeOutcome(w, types.OutcomeIgnored, deliveryID)
		return
	}

	s.deliver(w, r, c, d)
}

// deliver hands a verified payload to the coordinator and answers once it
// has been committed to the ledger.
func (s *Server) deliver(w http.ResponseWriter, r *http.Request, c *coordinator.Coordinator, d syncer.Delivery) {
	if s.metrics != nil {
		s.metrics.RecordDelivery(r.Context(), d.Upstream)
	}
	outcome, err := c.Deliver(r.Context(), d)
	if err != nil {
		debug.Logf("webhook: deliver %s %s failed: %v", d.Upstream, d.DeliveryID, err)
		if errors.Is(err, coordinator.ErrNotActive) {
			s.writeError(w, http.StatusServiceUnavailable, "coordinator not active")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "delivery failed")
		return
	}
	s.writeOutcome(w, outcome, d.DeliveryID)
}

func (s *Server) readBody(r *http.Request) ([]byte, error) {
	defer func() { _ = r.Body.Close() }()
	return io.ReadAll(io.LimitReader(r.Body, maxBodySize))
}

// handleHealth handles GET /health for load balancer checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// writeOutcome acknowledges an accepted delivery.
func (s *Server) writeOutcome(w http.ResponseWriter, outcome types.EventOutcome, deliveryID string) {
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(deliveryResponse{
		Outcome:    string(outcome),
		DeliveryID: deliveryID,
	})
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(deliveryResponse{Error: message})
}
