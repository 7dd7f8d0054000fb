// Package identity issues and verifies dynamic attribute tokens (DATs), the
// signed claims a connector presents to prove who it is and which security
// profile it runs under.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/contracts"
)

// DefaultIssuer is the issuer stamped on tokens when none is configured.
const DefaultIssuer = "dataspace-connector/daps"

var (
	ErrInvalidToken     = errors.New("identity: invalid token")
	ErrMissingConnector = errors.New("identity: token names no connector")
)

// DATClaims are the claims of a dynamic attribute token.
type DATClaims struct {
	jwt.RegisteredClaims
	ReferringConnector string `json:"referringConnector"`
	SecurityProfile    string `json:"securityProfile,omitempty"`
}

// Attributes are the verified facts a token establishes about its bearer.
type Attributes struct {
	ConnectorID string
	// SecurityProfile is nil when the token carries no profile claim.
	SecurityProfile *contracts.SecurityProfile
	ExpiresAt       time.Time
}

// TokenManager issues and verifies DATs.
type TokenManager struct {
	keySet KeySet
	issuer string
	clock  func() time.Time
}

// TokenOption configures a TokenManager.
type TokenOption func(*TokenManager)

func WithIssuer(issuer string) TokenOption { return func(tm *TokenManager) { tm.issuer = issuer } }

func WithTokenClock(clock func() time.Time) TokenOption {
	return func(tm *TokenManager) { tm.clock = clock }
}

func NewTokenManager(ks KeySet, opts ...TokenOption) *TokenManager {
	tm := &TokenManager{keySet: ks, issuer: DefaultIssuer, clock: time.Now}
	for _, opt := range opts {
		opt(tm)
	}
	return tm
}

// Issue creates a signed DAT for connectorID. An empty profile omits the
// claim.
func (tm *TokenManager) Issue(ctx context.Context, connectorID string, profile contracts.SecurityProfile, ttl time.Duration) (string, error) {
	if connectorID == "" {
		return "", ErrMissingConnector
	}
	now := tm.clock().UTC()
	claims := DATClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   connectorID,
			Issuer:    tm.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Audience:  jwt.ClaimStrings{"idsc:IDS_CONNECTORS_ALL"},
		},
		ReferringConnector: connectorID,
		SecurityProfile:    string(profile),
	}
	return tm.keySet.Sign(ctx, claims)
}

// Verify checks the token signature, issuer and lifetime and returns the
// attributes it establishes.
func (tm *TokenManager) Verify(tokenString string) (*Attributes, error) {
	token, err := jwt.ParseWithClaims(tokenString, &DATClaims{}, tm.keySet.KeyFunc(),
		jwt.WithIssuer(tm.issuer),
		jwt.WithTimeFunc(tm.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*DATClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	connector := claims.ReferringConnector
	if connector == "" {
		connector = claims.Subject
	}
	if connector == "" {
		return nil, ErrMissingConnector
	}
	attrs := &Attributes{ConnectorID: connector}
	if claims.ExpiresAt != nil {
		attrs.ExpiresAt = claims.ExpiresAt.UTC()
	}
	if claims.SecurityProfile != "" {
		p := contracts.SecurityProfile(claims.SecurityProfile)
		attrs.SecurityProfile = &p
	}
	return attrs, nil
}
