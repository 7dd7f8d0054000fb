package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/artifacts"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/contracts"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/obligation"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/store"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/verifier"
)

const (
	maxBodyBytes    = 1 << 20  // 1MB
	maxPayloadBytes = 32 << 20 // 32MB artifact uploads
	defaultTokenTTL = time.Hour
)

// EventArtifactUpdated is sent to subscribers when an artifact payload is
// replaced.
const EventArtifactUpdated = "ARTIFACT_UPDATED"

// AccessChecker gates local use of an artifact.
type AccessChecker interface {
	VerifyReport(ctx context.Context, artifact, agreementID string) *verifier.Report
}

// ProvisionChecker gates handing an artifact to another connector.
type ProvisionChecker interface {
	VerifyReport(ctx context.Context, target, issuerConnector string, agreement *contracts.Contract, profile *contracts.SecurityProfile) *verifier.Report
}

// ContractService negotiates and resolves agreements.
type ContractService interface {
	MatchRequest(ctx context.Context, request *contracts.Contract) (*contracts.Contract, error)
	BuildContractAgreement(request *contracts.Contract, agreementID, issuer string) (*contracts.Contract, error)
	ValidateContractAgreement(payload string, request *contracts.Contract) (*contracts.Contract, error)
	StoreAgreement(ctx context.Context, agreement *contracts.Contract) error
	ConfirmAgreement(ctx context.Context, agreementID, payload string) (*contracts.Contract, error)
	ValidateTransferContract(ctx context.Context, agreementID, artifact, issuer string) (*contracts.Contract, error)
}

// Sweeper runs one enforcement cycle on demand.
type Sweeper interface {
	Enabled() bool
	RunOnce(ctx context.Context) (obligation.SweepReport, error)
}

// Catalog records artifact metadata and contract offers.
type Catalog interface {
	PutArtifact(ctx context.Context, a *store.ArtifactRecord) error
	PutOffer(ctx context.Context, o *store.OfferRecord) error
}

// Notifier fans an event out to subscriber URLs.
type Notifier interface {
	NotifySubscribers(ctx context.Context, eventType, target string, subscribers []string, payload any)
}

// TokenIssuer signs DATs.
type TokenIssuer interface {
	Issue(ctx context.Context, connectorID string, profile contracts.SecurityProfile, ttl time.Duration) (string, error)
}

// Server serves the connector API. Issuer and Limiter are optional.
type Server struct {
	ConnectorID string
	Access      AccessChecker
	Provision   ProvisionChecker
	Contracts   ContractService
	Sweeper     Sweeper
	Catalog     Catalog
	Payloads    artifacts.Store
	Notifier    Notifier
	Tokens      TokenVerifier
	Issuer      TokenIssuer
	Limiter     *RateLimiter
	// Middleware wraps the routes, first entry outermost, inside the
	// request ID, logging and rate-limit layers.
	Middleware  []func(http.Handler) http.Handler
	Logger      *slog.Logger
}

// Handler builds the routed handler with the middleware chain applied.
//
// Routes under /admin manage the local catalog and must not be exposed
// outside the operator's network.
func (s *Server) Handler() http.Handler {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "api")

	auth := RequireDAT(s.Tokens)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/access", s.handleAccess)
	mux.Handle("POST /v1/contracts", auth(http.HandlerFunc(s.handleContractRequest)))
	mux.Handle("POST /v1/agreements/confirm", auth(http.HandlerFunc(s.handleConfirm)))
	mux.Handle("POST /v1/transfer", auth(http.HandlerFunc(s.handleTransfer)))
	mux.HandleFunc("POST /admin/v1/agreements", s.handleImportAgreement)
	mux.HandleFunc("POST /admin/v1/offers", s.handleOffer)
	mux.HandleFunc("POST /admin/v1/artifacts", s.handleArtifact)
	mux.HandleFunc("POST /admin/v1/sweep", s.handleSweep)
	if s.Issuer != nil {
		mux.HandleFunc("POST /admin/v1/tokens", s.handleIssueToken)
	}

	var h http.Handler = mux
	for i := len(s.Middleware) - 1; i >= 0; i-- {
		h = s.Middleware[i](h)
	}
	if s.Limiter != nil {
		h = s.Limiter.Middleware(h)
	}
	h = LoggingMiddleware(logger)(h)
	return RequestIDMiddleware(h)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func readBody(w http.ResponseWriter, r *http.Request) (string, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil || len(body) == 0 {
		WriteErrorR(w, r, http.StatusBadRequest, "Invalid request body")
		return "", false
	}
	return string(body), true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "connector": s.ConnectorID})
}

// AccessRequest asks whether this connector may use a stored artifact.
type AccessRequest struct {
	Artifact  string `json:"artifact"`
	Agreement string `json:"agreement,omitempty"`
}

// DataResponse carries a verdict and, when allowed, the artifact payload.
type DataResponse struct {
	Agreement string           `json:"agreement,omitempty"`
	Report    *verifier.Report `json:"report"`
	Data      []byte           `json:"data,omitempty"`
}

func (s *Server) handleAccess(w http.ResponseWriter, r *http.Request) {
	var req AccessRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Artifact == "" {
		WriteErrorR(w, r, http.StatusBadRequest, "Missing required field: artifact")
		return
	}
	report := s.Access.VerifyReport(r.Context(), req.Artifact, req.Agreement)
	s.respondWithData(w, r, req.Agreement, report)
}

// TransferRequest asks the provider for an artifact under an agreement.
type TransferRequest struct {
	Agreement string `json:"agreement"`
	Artifact  string `json:"artifact"`
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	attrs, _ := AttributesFrom(r.Context())
	var req TransferRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Agreement == "" || req.Artifact == "" {
		WriteErrorR(w, r, http.StatusBadRequest, "Missing required fields: agreement, artifact")
		return
	}
	agreement, err := s.Contracts.ValidateTransferContract(r.Context(), req.Agreement, req.Artifact, attrs.ConnectorID)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	report := s.Provision.VerifyReport(r.Context(), req.Artifact, attrs.ConnectorID, agreement, attrs.SecurityProfile)
	s.respondWithData(w, r, agreement.ID, report)
}

func (s *Server) respondWithData(w http.ResponseWriter, r *http.Request, agreementID string, report *verifier.Report) {
	resp := DataResponse{Agreement: agreementID, Report: report}
	if report.Result != verifier.Allowed {
		writeJSON(w, http.StatusForbidden, resp)
		return
	}
	data, err := s.Payloads.Get(r.Context(), report.Target)
	if err != nil {
		if errors.Is(err, artifacts.ErrNotFound) {
			WriteErrorR(w, r, http.StatusNotFound, fmt.Sprintf("no payload for artifact %s", report.Target))
			return
		}
		WriteInternal(w, err)
		return
	}
	resp.Data = data
	writeJSON(w, http.StatusOK, resp)
}

// handleContractRequest answers a contract request from the token's
// connector with a stored, unconfirmed agreement.
func (s *Server) handleContractRequest(w http.ResponseWriter, r *http.Request) {
	attrs, _ := AttributesFrom(r.Context())
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	request, err := contracts.ParseContract(body)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	if request.Kind != contracts.KindRequest {
		WriteErrorR(w, r, http.StatusBadRequest, fmt.Sprintf("expected %s, got %s", contracts.KindRequest, request.Kind))
		return
	}
	if _, err := s.Contracts.MatchRequest(r.Context(), request); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	agreement, err := s.Contracts.BuildContractAgreement(request, "", attrs.ConnectorID)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	if err := s.Contracts.StoreAgreement(r.Context(), agreement); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeContract(w, http.StatusCreated, agreement)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	attrs, _ := AttributesFrom(r.Context())
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	received, err := contracts.ParseAgreement(body)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	if received.Consumer != attrs.ConnectorID {
		WriteErrorR(w, r, http.StatusForbidden, "only the agreement's consumer may confirm it")
		return
	}
	agreement, err := s.Contracts.ConfirmAgreement(r.Context(), received.ID, body)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeContract(w, http.StatusOK, agreement)
}

// AgreementImport hands a consumer the agreement a provider answered its
// request with.
type AgreementImport struct {
	Request   json.RawMessage `json:"request"`
	Agreement json.RawMessage `json:"agreement"`
}

// handleImportAgreement validates a received agreement against the request
// that produced it, then stores and confirms it locally.
func (s *Server) handleImportAgreement(w http.ResponseWriter, r *http.Request) {
	var in AgreementImport
	if !decodeJSON(w, r, &in) {
		return
	}
	if len(in.Request) == 0 || len(in.Agreement) == 0 {
		WriteErrorR(w, r, http.StatusBadRequest, "Missing required fields: request, agreement")
		return
	}
	request, err := contracts.ParseContract(string(in.Request))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	payload := string(in.Agreement)
	agreement, err := s.Contracts.ValidateContractAgreement(payload, request)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	ctx := r.Context()
	if err := s.Contracts.StoreAgreement(ctx, agreement); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	confirmed, err := s.Contracts.ConfirmAgreement(ctx, agreement.ID, payload)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeContract(w, http.StatusCreated, confirmed)
}

func writeContract(w http.ResponseWriter, status int, c *contracts.Contract) {
	text, err := contracts.SerializeContract(c)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/ld+json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, text)
}

// handleOffer registers a contract offer for the artifacts its rules target.
func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	offer, err := contracts.ParseContract(body)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	if offer.Kind != contracts.KindOffer || offer.ID == "" {
		WriteErrorR(w, r, http.StatusBadRequest, "expected an identified contract offer")
		return
	}
	var targets []string
	seen := make(map[string]bool)
	for _, rule := range offer.Rules() {
		if rule.Target != "" && !seen[rule.Target] {
			seen[rule.Target] = true
			targets = append(targets, rule.Target)
		}
	}
	if len(targets) == 0 {
		WriteErrorR(w, r, http.StatusBadRequest, "offer targets no artifact")
		return
	}
	if err := s.Catalog.PutOffer(r.Context(), &store.OfferRecord{ID: offer.ID, Value: body, Artifacts: targets}); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"offer": offer.ID, "artifacts": targets})
}

// ArtifactUpload stores an artifact payload and its metadata.
type ArtifactUpload struct {
	ID          string   `json:"id"`
	Title       string   `json:"title,omitempty"`
	Data        []byte   `json:"data"`
	Subscribers []string `json:"subscribers,omitempty"`
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPayloadBytes)
	var up ArtifactUpload
	if err := json.NewDecoder(r.Body).Decode(&up); err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !contracts.ValidIdentity(up.ID) {
		WriteErrorR(w, r, http.StatusBadRequest, "artifact id must be an absolute URI")
		return
	}
	ctx := r.Context()
	if err := s.Catalog.PutArtifact(ctx, &store.ArtifactRecord{ID: up.ID, Title: up.Title}); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	if err := s.Payloads.Put(ctx, up.ID, up.Data); err != nil {
		WriteInternal(w, err)
		return
	}
	if s.Notifier != nil {
		s.Notifier.NotifySubscribers(ctx, EventArtifactUpdated, up.ID, up.Subscribers,
			map[string]any{"artifact": up.ID, "title": up.Title, "size": len(up.Data)})
	}
	writeJSON(w, http.StatusCreated, map[string]any{"artifact": up.ID, "size": len(up.Data)})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if !s.Sweeper.Enabled() {
		WriteErrorR(w, r, http.StatusConflict, "enforcement sweep is disabled for the external framework")
		return
	}
	report, err := s.Sweeper.RunOnce(r.Context())
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// TokenRequest asks for a DAT. TTL is a Go duration string.
type TokenRequest struct {
	ConnectorID     string `json:"connector_id"`
	SecurityProfile string `json:"security_profile,omitempty"`
	TTL             string `json:"ttl,omitempty"`
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ttl := defaultTokenTTL
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil || d <= 0 {
			WriteErrorR(w, r, http.StatusBadRequest, "ttl must be a positive duration")
			return
		}
		ttl = d
	}
	if !contracts.ValidIdentity(req.ConnectorID) {
		WriteErrorR(w, r, http.StatusBadRequest, "connector_id must be an absolute URI")
		return
	}
	profile := strings.TrimSpace(req.SecurityProfile)
	if profile != "" {
		if !contracts.IsSecurityProfile(profile) {
			WriteErrorR(w, r, http.StatusBadRequest, fmt.Sprintf("unknown security profile %q", profile))
			return
		}
		profile = "idsc:" + strings.TrimPrefix(profile, "idsc:")
	}
	token, err := s.Issuer.Issue(r.Context(), req.ConnectorID, contracts.SecurityProfile(profile), ttl)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"token": token, "token_type": "Bearer"})
}
