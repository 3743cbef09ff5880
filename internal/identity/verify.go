// ABOUTME: Bearer token verification against the issuer's key set
// ABOUTME: Credential failures are Unauthorized, claim failures Forbidden

package identity

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"

	"github.com/talkwire/talkwire/internal/fault"
)

// Verifier validates RS256 bearer tokens and extracts the caller's sub.
type Verifier struct {
	keys           *KeySet
	issuer         string
	audience       string
	requiredClaims []string
}

// NewVerifier builds a verifier bound to one issuer and audience.
// requiredClaims lists claim names that must merely be present; their
// values are the collaborator's business.
func NewVerifier(keys *KeySet, issuer, audience string, requiredClaims []string) *Verifier {
	return &Verifier{
		keys:           keys,
		issuer:         issuer,
		audience:       audience,
		requiredClaims: requiredClaims,
	}
}

// Verify checks token end to end and returns its sub claim.
func (v *Verifier) Verify(token string) (string, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, v.keyFor,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", classifyTokenError(err)
	}

	for _, name := range v.requiredClaims {
		if _, ok := claims[name]; !ok {
			return "", fault.Forbidden(fault.CodeMissingClaim, "token missing required claim "+name)
		}
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", fault.Forbidden(fault.CodeMissingClaim, "token missing required claim sub")
	}
	return sub, nil
}

func (v *Verifier) keyFor(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, fault.Unauthorized(fault.CodeUnknownKid, "token has no kid header")
	}
	return v.keys.Key(kid)
}

// classifyTokenError maps jwt sentinel errors onto the fault taxonomy.
// Faults raised inside the keyfunc pass through untouched.
func classifyTokenError(err error) error {
	var fe *fault.Error
	if errors.As(err, &fe) {
		return fe
	}
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fault.Wrap(fault.KindUnauthorized, fault.CodeTokenExpired, "token expired", err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return fault.Wrap(fault.KindForbidden, fault.CodeBadToken, "token issuer not accepted", err)
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return fault.Wrap(fault.KindForbidden, fault.CodeBadToken, "token audience not accepted", err)
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return fault.Wrap(fault.KindForbidden, fault.CodeMissingClaim, "token missing required claim", err)
	default:
		return fault.Wrap(fault.KindUnauthorized, fault.CodeBadToken, "token verification failed", err)
	}
}
