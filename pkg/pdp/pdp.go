// Package pdp is the policy decision point of the connector.
//
// The internal framework classifies every rule into a PolicyPattern and
// checks it with a Validator. The external framework hands the whole access
// decision to a remote usage-control service through PolicyDecisionPoint.
//
// Every decision path is fail-closed: an unrecognized rule shape, a
// malformed literal, a failed lookup or an unreachable remote service
// denies access.
package pdp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/canonicalize"
)

// Backend identifies the usage-control framework.
type Backend string

const (
	BackendInternal Backend = "internal"
	BackendExternal Backend = "external"
)

// DecisionRequest is the input sent to a remote decision point.
type DecisionRequest struct {
	Principal       string            `json:"principal"`
	Action          string            `json:"action"`
	Resource        string            `json:"resource"`
	AgreementID     string            `json:"agreement_id,omitempty"`
	SecurityProfile string            `json:"security_profile,omitempty"`
	Context         map[string]any    `json:"context,omitempty"`
	Environment     map[string]string `json:"environment,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
}

// DecisionResponse is the outcome of a remote evaluation.
type DecisionResponse struct {
	Allow        bool   `json:"allow"`
	ReasonCode   string `json:"reason_code"`
	PolicyRef    string `json:"policy_ref"`
	DecisionHash string `json:"decision_hash"`
}

// PolicyDecisionPoint evaluates an access against a remote framework.
// Implementations must deny on any error.
type PolicyDecisionPoint interface {
	Evaluate(ctx context.Context, req *DecisionRequest) (*DecisionResponse, error)
	Backend() Backend
}

// ComputeDecisionHash returns the SHA-256 of the canonical decision, the hash
// field itself excluded.
func ComputeDecisionHash(resp *DecisionResponse) (string, error) {
	hashInput := struct {
		Allow      bool   `json:"allow"`
		ReasonCode string `json:"reason_code"`
		PolicyRef  string `json:"policy_ref"`
	}{
		Allow:      resp.Allow,
		ReasonCode: resp.ReasonCode,
		PolicyRef:  resp.PolicyRef,
	}

	canonical, err := canonicalize.JCS(hashInput)
	if err != nil {
		return "", fmt.Errorf("pdp: decision hash canonicalization failed: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
