package keys

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fhirforge/smartauth/domain"
)

func b64(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func rsaWebKey(t *testing.T, keyOps []string) (domain.JSONWebKey, *rsa.PrivateKey) {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	priv.Precompute()

	return domain.JSONWebKey{
		Kid:    "rsa-test",
		Kty:    "RSA",
		Alg:    "RS384",
		KeyOps: keyOps,
		N:      b64(priv.N.Bytes()),
		E:      b64([]byte{0x01, 0x00, 0x01}),
		D:      b64(priv.D.Bytes()),
		P:      b64(priv.Primes[0].Bytes()),
		Q:      b64(priv.Primes[1].Bytes()),
		Dp:     b64(priv.Precomputed.Dp.Bytes()),
		Dq:     b64(priv.Precomputed.Dq.Bytes()),
		Qi:     b64(priv.Precomputed.Qinv.Bytes()),
	}, priv
}

func ecWebKey(t *testing.T, keyOps []string) (domain.JSONWebKey, *ecdsa.PrivateKey) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)

	return domain.JSONWebKey{
		Kid:    "ec-test",
		Kty:    "EC",
		Alg:    "ES384",
		KeyOps: keyOps,
		Crv:    "P-384",
		X:      b64(priv.X.Bytes()),
		Y:      b64(priv.Y.Bytes()),
		D:      b64(priv.D.Bytes()),
	}, priv
}

func TestResolveRSAVerifyKey(t *testing.T) {
	webKey, priv := rsaWebKey(t, []string{"verify"})
	webKey.D = ""
	webKey.P = ""
	webKey.Q = ""
	webKey.Dp = ""
	webKey.Dq = ""
	webKey.Qi = ""

	resolved, messages, err := Resolve("test-client", webKey)
	require.NoError(t, err)
	assert.Empty(t, messages)
	assert.Equal(t, "rsa-test", resolved.KeyID)
	assert.Equal(t, "RS384", resolved.Algorithm)
	assert.Nil(t, resolved.Private)

	pub, ok := resolved.Public.(*rsa.PublicKey)
	require.True(t, ok)
	assert.Zero(t, pub.N.Cmp(priv.N))
	assert.Equal(t, 65537, pub.E)
}

func TestResolveRSASigningKey(t *testing.T) {
	webKey, priv := rsaWebKey(t, []string{"sign"})

	resolved, messages, err := Resolve("test-client", webKey)
	require.NoError(t, err)
	assert.Empty(t, messages)

	got, ok := resolved.Private.(*rsa.PrivateKey)
	require.True(t, ok)
	assert.Zero(t, got.D.Cmp(priv.D))
}

func TestResolveRSAMissingModulus(t *testing.T) {
	webKey, _ := rsaWebKey(t, []string{"verify"})
	webKey.N = ""

	resolved, messages, err := Resolve("test-client", webKey)
	assert.ErrorIs(t, err, ErrUnusableKey)
	assert.Nil(t, resolved)
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0], "RSA Modulus (n)")
}

func TestResolveRSASigningKeyAccumulatesAllMissingFields(t *testing.T) {
	webKey, _ := rsaWebKey(t, []string{"sign"})
	webKey.D = ""
	webKey.P = ""
	webKey.Q = ""
	webKey.Dp = ""
	webKey.Dq = ""
	webKey.Qi = ""

	_, messages, err := Resolve("test-client", webKey)
	assert.ErrorIs(t, err, ErrUnusableKey)
	require.Len(t, messages, 6)
	assert.Contains(t, messages[0], "RSA Private Exponent (d)")
	assert.Contains(t, messages[1], "RSA First Prime Factor (p)")
	assert.Contains(t, messages[2], "RSA Second Prime Factor (q)")
	assert.Contains(t, messages[3], "RSA FirstFactorCrtExponent (dp)")
	assert.Contains(t, messages[4], "RSA SecondFactorCrtExponent (dq)")
	assert.Contains(t, messages[5], "RSA FirstCrtCoefficient (qi)")
}

func TestResolveECKey(t *testing.T) {
	webKey, priv := ecWebKey(t, []string{"sign"})

	resolved, messages, err := Resolve("test-client", webKey)
	require.NoError(t, err)
	assert.Empty(t, messages)

	got, ok := resolved.Private.(*ecdsa.PrivateKey)
	require.True(t, ok)
	assert.Zero(t, got.D.Cmp(priv.D))
	assert.Equal(t, elliptic.P384(), got.Curve)
}

func TestResolveECMissingCoordinates(t *testing.T) {
	webKey, _ := ecWebKey(t, []string{"verify"})
	webKey.X = ""
	webKey.Y = ""

	_, messages, err := Resolve("test-client", webKey)
	assert.ErrorIs(t, err, ErrUnusableKey)
	require.Len(t, messages, 2)
	assert.Contains(t, messages[0], "ECDSA X coordinate (x)")
	assert.Contains(t, messages[1], "ECDSA Y coordinate (y)")
}

func TestResolveECUnknownCurveFallsBackToP384(t *testing.T) {
	webKey, _ := ecWebKey(t, nil)
	webKey.Crv = "brainpoolP384r1"

	resolved, _, err := Resolve("test-client", webKey)
	require.NoError(t, err)

	pub, ok := resolved.Public.(*ecdsa.PublicKey)
	require.True(t, ok)
	assert.Equal(t, elliptic.P384(), pub.Curve)
}

func TestResolveMissingAlgorithm(t *testing.T) {
	_, messages, err := Resolve("test-client", domain.JSONWebKey{Kty: "RSA"})
	assert.ErrorIs(t, err, ErrUnusableKey)
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0], "missing the algorithm (alg)")
}

func TestResolveUnsupportedAlgorithm(t *testing.T) {
	_, messages, err := Resolve("test-client", domain.JSONWebKey{Alg: "HS256"})
	assert.ErrorIs(t, err, ErrUnusableKey)
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0], "could not be resolved")
}
