// Package keys assembles verification and signing keys from raw JWK
// material, reporting every missing field instead of stopping at the
// first.
package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"

	"github.com/rs/zerolog/log"

	"github.com/fhirforge/smartauth/domain"
)

// ErrUnusableKey is returned when a key cannot be assembled from the
// provided material. The accompanying messages list each defect.
var ErrUnusableKey = errors.New("key material is unusable")

// Resolved is a key ready for JWT verification and, when private
// material was provided, signing.
type Resolved struct {
	KeyID     string
	Algorithm string

	// Public is *rsa.PublicKey or *ecdsa.PublicKey.
	Public crypto.PublicKey
	// Private is *rsa.PrivateKey or *ecdsa.PrivateKey, nil for
	// verification-only keys.
	Private crypto.PrivateKey
}

// Resolve builds a key from the web key's fields. RS384 and ES384 are
// supported. Mandatory public fields are always required; private fields
// are required only when the key declares the "sign" operation. Every
// missing field produces its own message, and all failures for a key are
// accumulated before it is rejected.
func Resolve(owner string, webKey domain.JSONWebKey) (*Resolved, []string, error) {
	if webKey.Alg == "" {
		msg := fmt.Sprintf("key registration for %s has a key missing the algorithm (alg)", owner)
		log.Warn().Msg(msg)
		return nil, []string{msg}, ErrUnusableKey
	}

	switch webKey.Alg {
	case "RS384":
		return resolveRSA(owner, webKey)
	case "ES384":
		return resolveEC(owner, webKey)
	}

	msg := fmt.Sprintf("key registration for %s:%s could not be resolved and will not be available", owner, webKey.Alg)
	log.Warn().Msg(msg)
	return nil, []string{msg}, ErrUnusableKey
}

func resolveRSA(owner string, webKey domain.JSONWebKey) (*Resolved, []string, error) {
	var messages []string

	report := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		log.Warn().Msg(msg)
		messages = append(messages, msg)
	}

	if webKey.N == "" {
		report("key %s:%s:%s is missing the RSA Modulus (n)", owner, webKey.Alg, webKey.Kid)
	}
	if webKey.E == "" {
		report("key %s:%s:%s is missing the RSA Exponent (e)", owner, webKey.Alg, webKey.Kid)
	}

	if webKey.HasKeyOp("sign") {
		if webKey.D == "" {
			report("signing key %s:%s:%s is missing the RSA Private Exponent (d)", owner, webKey.Alg, webKey.Kid)
		}
		if webKey.P == "" {
			report("signing key %s:%s:%s is missing the RSA First Prime Factor (p)", owner, webKey.Alg, webKey.Kid)
		}
		if webKey.Q == "" {
			report("signing key %s:%s:%s is missing the RSA Second Prime Factor (q)", owner, webKey.Alg, webKey.Kid)
		}
		if webKey.Dp == "" {
			report("signing key %s:%s:%s is missing the RSA FirstFactorCrtExponent (dp)", owner, webKey.Alg, webKey.Kid)
		}
		if webKey.Dq == "" {
			report("signing key %s:%s:%s is missing the RSA SecondFactorCrtExponent (dq)", owner, webKey.Alg, webKey.Kid)
		}
		if webKey.Qi == "" {
			report("signing key %s:%s:%s is missing the RSA FirstCrtCoefficient (qi)", owner, webKey.Alg, webKey.Kid)
		}
	}

	if len(messages) > 0 {
		return nil, messages, ErrUnusableKey
	}

	n, err := decodeField(webKey.N)
	if err != nil {
		report("key %s:%s:%s has an undecodable RSA Modulus (n): %v", owner, webKey.Alg, webKey.Kid, err)
		return nil, messages, ErrUnusableKey
	}
	e, err := decodeField(webKey.E)
	if err != nil {
		report("key %s:%s:%s has an undecodable RSA Exponent (e): %v", owner, webKey.Alg, webKey.Kid, err)
		return nil, messages, ErrUnusableKey
	}

	pub := &rsa.PublicKey{
		N: new(big.Int).SetBytes(n),
		E: int(new(big.Int).SetBytes(e).Int64()),
	}

	resolved := &Resolved{
		KeyID:     webKey.Kid,
		Algorithm: webKey.Alg,
		Public:    pub,
	}

	if webKey.HasKeyOp("sign") {
		d, err := decodeField(webKey.D)
		if err != nil {
			report("signing key %s:%s:%s has an undecodable RSA Private Exponent (d): %v", owner, webKey.Alg, webKey.Kid, err)
			return nil, messages, ErrUnusableKey
		}
		p, err := decodeField(webKey.P)
		if err != nil {
			report("signing key %s:%s:%s has an undecodable RSA First Prime Factor (p): %v", owner, webKey.Alg, webKey.Kid, err)
			return nil, messages, ErrUnusableKey
		}
		q, err := decodeField(webKey.Q)
		if err != nil {
			report("signing key %s:%s:%s has an undecodable RSA Second Prime Factor (q): %v", owner, webKey.Alg, webKey.Kid, err)
			return nil, messages, ErrUnusableKey
		}

		priv := &rsa.PrivateKey{
			PublicKey: *pub,
			D:         new(big.Int).SetBytes(d),
			Primes: []*big.Int{
				new(big.Int).SetBytes(p),
				new(big.Int).SetBytes(q),
			},
		}
		priv.Precompute()
		resolved.Private = priv
	}

	return resolved, messages, nil
}

func resolveEC(owner string, webKey domain.JSONWebKey) (*Resolved, []string, error) {
	var messages []string

	report := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		log.Warn().Msg(msg)
		messages = append(messages, msg)
	}

	if webKey.Crv == "" {
		report("key %s:%s is missing the ECDSA Curve (crv)", owner, webKey.Alg)
	}
	if webKey.X == "" {
		report("key %s:%s is missing the ECDSA X coordinate (x)", owner, webKey.Alg)
	}
	if webKey.Y == "" {
		report("key %s:%s is missing the ECDSA Y coordinate (y)", owner, webKey.Alg)
	}

	if webKey.HasKeyOp("sign") && webKey.D == "" {
		report("signing key %s:%s:%s is missing the ECC Private Key (d)", owner, webKey.Alg, webKey.Kid)
	}

	if len(messages) > 0 {
		return nil, messages, ErrUnusableKey
	}

	x, err := decodeField(webKey.X)
	if err != nil {
		report("key %s:%s has an undecodable ECDSA X coordinate (x): %v", owner, webKey.Alg, err)
		return nil, messages, ErrUnusableKey
	}
	y, err := decodeField(webKey.Y)
	if err != nil {
		report("key %s:%s has an undecodable ECDSA Y coordinate (y): %v", owner, webKey.Alg, err)
		return nil, messages, ErrUnusableKey
	}

	pub := &ecdsa.PublicKey{
		Curve: curveByName(webKey.Crv),
		X:     new(big.Int).SetBytes(x),
		Y:     new(big.Int).SetBytes(y),
	}

	resolved := &Resolved{
		KeyID:     webKey.Kid,
		Algorithm: webKey.Alg,
		Public:    pub,
	}

	if webKey.HasKeyOp("sign") {
		d, err := decodeField(webKey.D)
		if err != nil {
			report("signing key %s:%s:%s has an undecodable ECC Private Key (d): %v", owner, webKey.Alg, webKey.Kid, err)
			return nil, messages, ErrUnusableKey
		}
		resolved.Private = &ecdsa.PrivateKey{
			PublicKey: *pub,
			D:         new(big.Int).SetBytes(d),
		}
	}

	return resolved, messages, nil
}

// curveByName maps a JWK crv value to its curve, assuming P-384 for
// anything unrecognized.
func curveByName(name string) elliptic.Curve {
	switch name {
	case "P-256":
		return elliptic.P256()
	case "P-521":
		return elliptic.P521()
	default:
		return elliptic.P384()
	}
}

func decodeField(value string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(value); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(value)
}
