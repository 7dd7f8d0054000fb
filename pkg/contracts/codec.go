package contracts

import (
	"bytes"
	"embed"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrDeserialization matches every DeserializationError.
var ErrDeserialization = errors.New("contracts: deserialization failed")

// DeserializationError reports malformed rule or contract text. It is never
// retryable.
type DeserializationError struct {
	Kind string // "rule", "contract" or "agreement"
	Err  error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("contracts: cannot deserialize %s: %v", e.Kind, e.Err)
}

func (e *DeserializationError) Unwrap() error { return e.Err }

func (e *DeserializationError) Is(target error) bool { return target == ErrDeserialization }

//go:embed schemas/rule.schema.json schemas/contract.schema.json
var schemaFS embed.FS

const schemaBase = "https://dataspace-connector.local/schemas/"

// SupportedModelVersions constrains the ids:modelVersion of parsed contracts.
const SupportedModelVersions = ">= 4.0.0, < 5.0.0"

var (
	schemaOnce     sync.Once
	ruleSchema     *jsonschema.Schema
	contractSchema *jsonschema.Schema
	schemaErr      error
)

func compileSchemas() {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	for _, name := range []string{"rule.schema.json", "contract.schema.json"} {
		data, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			schemaErr = fmt.Errorf("read schema %s: %w", name, err)
			return
		}
		if err := c.AddResource(schemaBase+name, bytes.NewReader(data)); err != nil {
			schemaErr = fmt.Errorf("load schema %s: %w", name, err)
			return
		}
	}
	if ruleSchema, schemaErr = c.Compile(schemaBase + "rule.schema.json"); schemaErr != nil {
		return
	}
	contractSchema, schemaErr = c.Compile(schemaBase + "contract.schema.json")
}

func schemas() (*jsonschema.Schema, *jsonschema.Schema, error) {
	schemaOnce.Do(compileSchemas)
	return ruleSchema, contractSchema, schemaErr
}

// payloadBytes accepts plain JSON or base64-encoded JSON.
func payloadBytes(text string) ([]byte, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, errors.New("empty payload")
	}
	if strings.HasPrefix(trimmed, "{") {
		return []byte(trimmed), nil
	}
	decoded, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, errors.New("payload is neither JSON nor base64")
	}
	return decoded, nil
}

func decodeValidated(kind, text string, schema *jsonschema.Schema, dst any) error {
	raw, err := payloadBytes(text)
	if err != nil {
		return &DeserializationError{Kind: kind, Err: err}
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return &DeserializationError{Kind: kind, Err: err}
	}
	if err := schema.Validate(doc); err != nil {
		return &DeserializationError{Kind: kind, Err: err}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &DeserializationError{Kind: kind, Err: err}
	}
	return nil
}

// ParseRule turns rule text into a Rule.
func ParseRule(text string) (*Rule, error) {
	rs, _, err := schemas()
	if err != nil {
		return nil, err
	}
	var r Rule
	if err := decodeValidated("rule", text, rs, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ParseContract turns contract text (offer, request or agreement) into a
// Contract.
func ParseContract(text string) (*Contract, error) {
	return parseContract("contract", text)
}

// ParseAgreement is ParseContract restricted to agreements.
func ParseAgreement(text string) (*Contract, error) {
	c, err := parseContract("agreement", text)
	if err != nil {
		return nil, err
	}
	if c.Kind != KindAgreement {
		return nil, &DeserializationError{Kind: "agreement", Err: fmt.Errorf("unexpected type %q", c.Kind)}
	}
	return c, nil
}

func parseContract(kind, text string) (*Contract, error) {
	_, cs, err := schemas()
	if err != nil {
		return nil, err
	}
	var c Contract
	if err := decodeValidated(kind, text, cs, &c); err != nil {
		return nil, err
	}
	if err := checkModelVersion(c.ModelVersion); err != nil {
		return nil, &DeserializationError{Kind: kind, Err: err}
	}
	return &c, nil
}

func checkModelVersion(v string) error {
	if v == "" {
		return nil
	}
	version, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("invalid model version %q: %w", v, err)
	}
	constraint, err := semver.NewConstraint(SupportedModelVersions)
	if err != nil {
		return err
	}
	if !constraint.Check(version) {
		return fmt.Errorf("model version %s not in %s", v, SupportedModelVersions)
	}
	return nil
}

// RuleIsOfKind reports whether text deserializes to a rule of the given kind.
// Malformed text is never of any kind.
func RuleIsOfKind(text string, kind RuleKind) bool {
	r, err := ParseRule(text)
	if err != nil {
		return false
	}
	return r.Kind == kind
}

// SerializeRule is the inverse of ParseRule.
func SerializeRule(r *Rule) (string, error) {
	//nolint:wrapcheck // caller provides context
	b, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// SerializeContract is the inverse of ParseContract.
func SerializeContract(c *Contract) (string, error) {
	//nolint:wrapcheck // caller provides context
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
