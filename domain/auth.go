package domain

import (
	"sort"
	"strings"
	"time"
)

// ZeroKey is the all-zero GUID used as the key of the always-available
// administrative authorization. Its token pair is ZeroKey + "_" + ZeroKey
// and its expiry never advances.
const ZeroKey = "00000000-0000-0000-0000-000000000000"

// CodeLength is the fixed length of an authorization key. Bearer values
// longer than this carry an opaque suffix that is stripped before lookup.
const CodeLength = 36

// Request types recorded in activity logs.
const (
	RequestTypeAuthorizationCode = "authorization_code"
	RequestTypeRefreshToken      = "refresh_token"
	RequestTypeClientAssertion   = "client_assertion"
	RequestTypeRegistration      = "registration"
	RequestTypeAccess            = "access"
)

// AuthorizationRequest is an immutable snapshot of the parameters of an
// incoming authorize call.
type AuthorizationRequest struct {
	ResponseType  string `json:"response_type"`
	ClientID      string `json:"client_id"`
	RedirectURI   string `json:"redirect_uri"`
	Launch        string `json:"launch,omitempty"`
	Scope         string `json:"scope"`
	State         string `json:"state"`
	Audience      string `json:"aud"`
	PkceChallenge string `json:"code_challenge,omitempty"`
	PkceMethod    string `json:"code_challenge_method,omitempty"`
	IDTokenHint   string `json:"id_token_hint,omitempty"`
}

// AuditEntry records one request made against an authorization or client.
type AuditEntry struct {
	RequestType string    `json:"request_type"`
	Success     bool      `json:"success"`
	Message     string    `json:"message,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// EhrLaunch holds the discovery state of a dual-launch against a foreign
// EHR, captured while processing an id_token_hint.
type EhrLaunch struct {
	Issuer    string
	WellKnown SmartWellKnown
}

// Authorization is the mutable record of a single authorization attempt,
// stored under "tenant:key". It lives from the authorize call through code
// exchange, refreshes and introspection.
type Authorization struct {
	Key                string
	Tenant             string
	RemoteIPAddress    string
	Created            time.Time
	LastAccessed       time.Time
	Expires            time.Time
	UserID             string
	LaunchPatient      string
	LaunchPractitioner string
	RequestParameters  AuthorizationRequest

	// Scopes maps each requested scope to its approval state. Entries are
	// seeded from the request's scope string and flipped during consent.
	Scopes        map[string]bool
	UserScopes    map[string]struct{}
	PatientScopes map[string]struct{}

	AuthCode  string
	Response  *SmartResponse
	EhrLaunch *EhrLaunch
	Activity  []AuditEntry
}

// NewAuthorization builds a record for the given tenant with the approval
// map seeded from the request's scope string.
func NewAuthorization(key, tenant, remoteIP string, params AuthorizationRequest) *Authorization {
	now := time.Now().UTC()

	scopes := make(map[string]bool)
	for _, s := range strings.Fields(params.Scope) {
		scopes[s] = false
	}

	return &Authorization{
		Key:               key,
		Tenant:            tenant,
		RemoteIPAddress:   remoteIP,
		Created:           now,
		LastAccessed:      now,
		RequestParameters: params,
		Scopes:            scopes,
		UserScopes:        make(map[string]struct{}),
		PatientScopes:     make(map[string]struct{}),
	}
}

// GrantedScopes returns the approved scopes in stable order.
func (a *Authorization) GrantedScopes() []string {
	granted := make([]string, 0, len(a.Scopes))
	for s, ok := range a.Scopes {
		if ok {
			granted = append(granted, s)
		}
	}
	sort.Strings(granted)
	return granted
}

// ApproveAllScopes marks every requested scope as granted.
func (a *Authorization) ApproveAllScopes() {
	for s := range a.Scopes {
		a.Scopes[s] = true
	}
}

// Clone returns a snapshot of the record that is safe to read without
// the store lock. The Response and EhrLaunch pointers are shared: both
// are replaced wholesale by writers, never mutated in place.
func (a *Authorization) Clone() *Authorization {
	clone := *a

	clone.Scopes = make(map[string]bool, len(a.Scopes))
	for s, granted := range a.Scopes {
		clone.Scopes[s] = granted
	}
	clone.UserScopes = copySet(a.UserScopes)
	clone.PatientScopes = copySet(a.PatientScopes)
	clone.Activity = append([]AuditEntry(nil), a.Activity...)

	return &clone
}

func copySet(set map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(set))
	for s := range set {
		out[s] = struct{}{}
	}
	return out
}

// LogActivity appends an audit entry stamped with the current time.
func (a *Authorization) LogActivity(requestType string, success bool, message string) {
	a.Activity = append(a.Activity, AuditEntry{
		RequestType: requestType,
		Success:     success,
		Message:     message,
		Timestamp:   time.Now().UTC(),
	})
}
