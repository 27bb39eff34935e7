// Package token mints and inspects the JWTs used by the authorization
// server: HMAC-signed ID tokens and asymmetric client assertions.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/fhirforge/smartauth/keys"
)

// DevSecret is the development ID token signing secret. Production
// deployments must configure their own value.
const DevSecret = "***NotSecure!DoNotUseInProduction!ThisIsForDevOnly!***"

var (
	// ErrNoPrivateKey is returned when signing is requested with a
	// verification-only key.
	ErrNoPrivateKey = errors.New("key has no private material")

	// ErrUnknownAlgorithm is returned for algorithms jwt does not know.
	ErrUnknownAlgorithm = errors.New("unknown signing algorithm")
)

// Issuer mints ID tokens signed with a shared symmetric secret.
type Issuer struct {
	secret []byte
}

// NewIssuer creates an issuer around the given HMAC secret.
func NewIssuer(secret string) *Issuer {
	return &Issuer{secret: []byte(secret)}
}

// IDToken mints an HMAC-SHA-256 signed OpenID token. The profile and
// fhirUser claims both carry the user id; jti is always fresh.
func (i *Issuer) IDToken(issuer, subject, userID, audience string, issuedAt, expires time.Time) (string, error) {
	claims := jwt.MapClaims{
		"iss":      issuer,
		"sub":      subject,
		"aud":      audience,
		"profile":  userID,
		"fhirUser": userID,
		"jti":      uuid.NewString(),
		"iat":      issuedAt.Unix(),
		"exp":      expires.Unix(),
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// Verify checks an ID token's signature against the issuer secret and
// returns the parsed token. Claims are not validated.
func (i *Issuer) Verify(raw string) (*jwt.Token, error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	return parser.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	})
}

// SignedAssertion mints a client authentication JWT signed with the
// resolved key's private material. The key id, when present, rides in
// the kid header.
func SignedAssertion(issuer, subject, audience, jwtID string, expires time.Time, key *keys.Resolved) (string, error) {
	return signedAssertion(issuer, subject, audience, jwtID, expires, key, "")
}

// SignedAssertionWithKeySetURL mints an assertion that advertises the
// URL of the signer's key set in the jku header.
func SignedAssertionWithKeySetURL(issuer, subject, audience, jwtID string, expires time.Time, key *keys.Resolved, keySetURL string) (string, error) {
	return signedAssertion(issuer, subject, audience, jwtID, expires, key, keySetURL)
}

func signedAssertion(issuer, subject, audience, jwtID string, expires time.Time, key *keys.Resolved, keySetURL string) (string, error) {
	method := jwt.GetSigningMethod(key.Algorithm)
	if method == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownAlgorithm, key.Algorithm)
	}
	if key.Private == nil {
		return "", ErrNoPrivateKey
	}

	claims := jwt.MapClaims{
		"iss": issuer,
		"sub": subject,
		"aud": audience,
		"jti": jwtID,
		"iat": time.Now().Unix(),
		"exp": expires.Unix(),
	}

	tok := jwt.NewWithClaims(method, claims)
	if key.KeyID != "" {
		tok.Header["kid"] = key.KeyID
	}
	if keySetURL != "" {
		tok.Header["jku"] = keySetURL
	}

	return tok.SignedString(key.Private)
}

// VerifySignature checks only that the token was signed by the given
// key. Lifetime, audience and issuer are deliberately left to separate
// checks so each can report its own failure.
func VerifySignature(raw string, key *keys.Resolved) (*jwt.Token, error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	return parser.Parse(raw, func(t *jwt.Token) (any, error) {
		return key.Public, nil
	})
}

// ParseUnverified reads a token's header and claims without checking the
// signature.
func ParseUnverified(raw string) (*jwt.Token, jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	tok, _, err := jwt.NewParser().ParseUnverified(raw, claims)
	if err != nil {
		return nil, nil, err
	}
	return tok, claims, nil
}
