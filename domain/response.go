package domain

import "encoding/json"

// FhirContext is one entry of the token response's fhirContext array.
type FhirContext struct {
	Reference  string `json:"reference,omitempty"`
	Canonical  string `json:"canonical,omitempty"`
	Identifier string `json:"identifier,omitempty"`
	Type       string `json:"Type,omitempty"`
	Role       string `json:"role,omitempty"`
}

// AuthorizationDetails describes granted access locations per RFC 9396.
type AuthorizationDetails struct {
	Type         string   `json:"type,omitempty"`
	Locations    []string `json:"locations,omitempty"`
	FhirVersions []string `json:"fhirVersions,omitempty"`
}

// SmartResponse is the SMART token response body. Records replace it
// wholesale on issuance and refresh, never field by field. Unknown fields
// received from a foreign server survive a round trip through Extra.
type SmartResponse struct {
	AccessToken          string                 `json:"access_token,omitempty"`
	TokenType            string                 `json:"token_type,omitempty"`
	ClientID             string                 `json:"client_id,omitempty"`
	ExpiresIn            int                    `json:"expires_in,omitempty"`
	Scopes               string                 `json:"scope,omitempty"`
	IDToken              string                 `json:"id_token,omitempty"`
	RefreshToken         string                 `json:"refresh_token,omitempty"`
	AuthorizationDetails []AuthorizationDetails `json:"authorization_details,omitempty"`
	PatientID            string                 `json:"patient,omitempty"`
	Encounter            string                 `json:"encounter,omitempty"`
	NeedPatientBanner    *bool                  `json:"need_patient_banner,omitempty"`
	Intent               string                 `json:"intent,omitempty"`
	SmartStyleURL        string                 `json:"smart_style_url,omitempty"`
	Tenant               string                 `json:"tenant,omitempty"`
	FhirContext          []FhirContext          `json:"fhirContext,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

type smartResponseAlias SmartResponse

var smartResponseFields = []string{
	"access_token", "token_type", "client_id", "expires_in", "scope",
	"id_token", "refresh_token", "authorization_details", "patient",
	"encounter", "need_patient_banner", "intent", "smart_style_url",
	"tenant", "fhirContext",
}

func (r *SmartResponse) UnmarshalJSON(data []byte) error {
	var alias smartResponseAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, f := range smartResponseFields {
		delete(raw, f)
	}

	*r = SmartResponse(alias)
	if len(raw) > 0 {
		r.Extra = raw
	}
	return nil
}

func (r SmartResponse) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(smartResponseAlias(r))
	if err != nil {
		return nil, err
	}
	if len(r.Extra) == 0 {
		return data, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range r.Extra {
		if _, known := merged[k]; !known {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// IntrospectionResponse is the RFC 7662 introspection body.
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	Scopes    string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Username  string `json:"username,omitempty"`
	Subject   string `json:"sub,omitempty"`
	Audience  string `json:"aud,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
}
