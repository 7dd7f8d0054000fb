package pdp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	defaultRemoteTimeout = 5 * time.Second
	defaultRemotePath    = "/v1/usage/decide"
)

// RemoteConfig configures the external usage-control framework client.
type RemoteConfig struct {
	URL        string        `json:"url" yaml:"url"`
	PolicyPath string        `json:"policy_path,omitempty" yaml:"policy_path"`
	Timeout    time.Duration `json:"timeout,omitempty" yaml:"timeout"`
}

// decisionHash is swapped in tests to exercise hashing failures.
var decisionHash = ComputeDecisionHash

// RemotePDP asks a remote usage-control service for each access decision.
// Any error, timeout or non-200 response is a deny.
type RemotePDP struct {
	config RemoteConfig
	client *http.Client
	logger *slog.Logger
}

// NewRemotePDP creates a RemotePDP.
func NewRemotePDP(cfg RemoteConfig) *RemotePDP {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultRemoteTimeout
	}
	if cfg.PolicyPath == "" {
		cfg.PolicyPath = defaultRemotePath
	}
	return &RemotePDP{
		config: cfg,
		client: &http.Client{Timeout: timeout},
		logger: slog.Default().With("component", "remote-pdp"),
	}
}

// WithLogger sets the logger used for decisions that cannot be hashed.
func (p *RemotePDP) WithLogger(l *slog.Logger) *RemotePDP {
	p.logger = l.With("component", "remote-pdp")
	return p
}

type remoteEnvelope struct {
	Input *DecisionRequest `json:"input"`
}

type remoteResult struct {
	Result *struct {
		Allow      bool   `json:"allow"`
		ReasonCode string `json:"reason_code,omitempty"`
	} `json:"result"`
}

// Evaluate implements PolicyDecisionPoint.
func (p *RemotePDP) Evaluate(ctx context.Context, req *DecisionRequest) (*DecisionResponse, error) {
	if req == nil {
		return p.deny("DENY_NIL_REQUEST"), nil
	}

	payload, err := json.Marshal(remoteEnvelope{Input: req})
	if err != nil {
		return p.deny("DENY_MARSHAL_ERROR"), nil
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.URL+p.config.PolicyPath, bytes.NewReader(payload))
	if err != nil {
		return p.deny("DENY_REQUEST_ERROR"), nil
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return p.deny("DENY_REMOTE_UNREACHABLE"), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return p.deny(fmt.Sprintf("DENY_REMOTE_HTTP_%d", resp.StatusCode)), nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return p.deny("DENY_REMOTE_READ_ERROR"), nil
	}

	var result remoteResult
	if err := json.Unmarshal(body, &result); err != nil {
		return p.deny("DENY_REMOTE_PARSE_ERROR"), nil
	}
	if result.Result == nil {
		return p.deny("DENY_REMOTE_NO_RESULT"), nil
	}

	reason := result.Result.ReasonCode
	if reason == "" {
		if result.Result.Allow {
			reason = "ALLOW"
		} else {
			reason = "DENY_POLICY"
		}
	}

	decision := &DecisionResponse{
		Allow:      result.Result.Allow,
		ReasonCode: reason,
		PolicyRef:  "remote:" + p.config.PolicyPath,
	}
	hash, err := decisionHash(decision)
	if err != nil {
		p.logger.WarnContext(ctx, "decision hash failed, denying", "reason", reason, "error", err)
		return p.deny("DENY_HASH_FAILURE"), nil
	}
	decision.DecisionHash = hash
	return decision, nil
}

// Backend implements PolicyDecisionPoint.
func (p *RemotePDP) Backend() Backend { return BackendExternal }

func (p *RemotePDP) deny(reason string) *DecisionResponse {
	resp := &DecisionResponse{
		Allow:      false,
		ReasonCode: reason,
		PolicyRef:  "remote:" + p.config.PolicyPath,
	}
	// A deny stays a deny without its hash.
	hash, err := decisionHash(resp)
	if err != nil {
		p.logger.Warn("deny decision left unhashed", "reason", reason, "error", err)
		return resp
	}
	resp.DecisionHash = hash
	return resp
}
