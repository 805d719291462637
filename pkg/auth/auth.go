// Package auth resolves an inbound token or api-key to an owner identity
// and tier. The Coordinator and Server depend only on the Verifier
// interface; the JWT-backed implementation here is one concrete choice.
package auth

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sandboxd/sandboxd/pkg/sandboxerr"
	"github.com/sandboxd/sandboxd/pkg/types"
)

// Identity is the resolved caller: the key the Rate Limiter tracks by, and
// the tier that selects its limits table entry.
type Identity struct {
	OwnerKey string
	Tier     types.Tier
}

// Verifier resolves a token or api-key string to an Identity. A connection
// presenting neither is treated as anonymous by the caller, not the
// Verifier.
type Verifier interface {
	Verify(credential string) (Identity, error)
}

// claims is the expected shape of the JWT payload: subject as owner key,
// tier as a custom claim.
type claims struct {
	jwt.RegisteredClaims
	Tier string `json:"tier"`
}

// JWTVerifier validates HMAC or RSA-signed tokens with golang-jwt and maps
// the subject/tier claims onto an Identity.
type JWTVerifier struct {
	keyFunc jwt.Keyfunc
}

// NewJWTVerifier constructs a JWTVerifier using keyFunc to resolve the
// verification key per-token (supports key rotation via kid).
func NewJWTVerifier(keyFunc jwt.Keyfunc) *JWTVerifier {
	return &JWTVerifier{keyFunc: keyFunc}
}

// Verify parses and validates token, returning the resolved Identity.
func (v *JWTVerifier) Verify(token string) (Identity, error) {
	token = strings.TrimPrefix(token, "Bearer ")
	parsed, err := jwt.ParseWithClaims(token, &claims{}, v.keyFunc)
	if err != nil || !parsed.Valid {
		return Identity{}, sandboxerr.Wrap(sandboxerr.AuthFailed, "token verification failed", err)
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || c.Subject == "" {
		return Identity{}, sandboxerr.New(sandboxerr.AuthFailed, "token missing subject claim")
	}
	tier := types.Tier(c.Tier)
	if !validTier(tier) {
		tier = types.TierLoggedIn
	}
	return Identity{OwnerKey: c.Subject, Tier: tier}, nil
}

func validTier(t types.Tier) bool {
	switch t {
	case types.TierAnonymous, types.TierLoggedIn, types.TierPremium, types.TierAdmin:
		return true
	default:
		return false
	}
}

// AnonymousIdentity builds the Identity used for connections presenting no
// credential at all, tracked by a caller-supplied key (e.g. remote IP).
func AnonymousIdentity(trackingKey string) Identity {
	return Identity{OwnerKey: trackingKey, Tier: types.TierAnonymous}
}
