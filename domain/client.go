package domain

// JSONWebKey carries the raw base64url fields of a single JWK as received
// during registration or from a fetched key set.
type JSONWebKey struct {
	Kid    string   `json:"kid,omitempty"`
	Kty    string   `json:"kty,omitempty"`
	Alg    string   `json:"alg,omitempty"`
	Use    string   `json:"use,omitempty"`
	KeyOps []string `json:"key_ops,omitempty"`

	// RSA fields.
	N  string `json:"n,omitempty"`
	E  string `json:"e,omitempty"`
	D  string `json:"d,omitempty"`
	P  string `json:"p,omitempty"`
	Q  string `json:"q,omitempty"`
	Dp string `json:"dp,omitempty"`
	Dq string `json:"dq,omitempty"`
	Qi string `json:"qi,omitempty"`

	// EC fields, d is shared above.
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
}

// HasKeyOp reports whether the key declares the given operation.
func (k JSONWebKey) HasKeyOp(op string) bool {
	for _, o := range k.KeyOps {
		if o == op {
			return true
		}
	}
	return false
}

// JWKS is a JSON Web Key Set.
type JWKS struct {
	Keys []JSONWebKey `json:"keys"`
}

// ClientRegistration is the dynamic registration request body.
type ClientRegistration struct {
	ClientName   string   `json:"client_name"`
	RedirectURIs []string `json:"redirect_uris,omitempty"`
	KeySet       JWKS     `json:"jwks"`
}

// RegistrationResponse is returned from a successful registration.
type RegistrationResponse struct {
	ClientID string `json:"client_id"`
}
