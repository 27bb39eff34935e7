// Package smartauth implements a SMART-on-FHIR authorization server:
// per-tenant discovery, the authorization code flow with PKCE, refresh
// tokens, JWT-bearer client assertions, dynamic client registration and
// token introspection.
package smartauth

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fhirforge/smartauth/clients"
	"github.com/fhirforge/smartauth/domain"
	"github.com/fhirforge/smartauth/scopes"
	"github.com/fhirforge/smartauth/token"
)

const (
	// tokenExpiration is the sliding lifetime of interactive
	// authorizations; each successful touch extends it.
	tokenExpiration = 30 * time.Minute

	// assertionExpiration is the lifetime of service authorizations
	// created by client assertion exchange.
	assertionExpiration = 24 * time.Hour

	jwtBearerAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
)

// errRejected marks a validation failure inside a store critical
// section.
var errRejected = errors.New("authorization request rejected")

// ManagerConfig wires a Manager's collaborators.
type ManagerConfig struct {
	PublicURL  string
	Tenants    map[string]domain.TenantConfig
	Store      domain.AuthorizationStore
	Clients    *clients.Registry
	Issuer     *token.Issuer
	Evaluator  ScopeEvaluator
	HTTPClient *http.Client
}

// Manager is the authorization state machine. All record mutation goes
// through the store's critical sections; outbound HTTP happens before
// any lock is taken.
type Manager struct {
	publicURL  string
	tenants    map[string]domain.TenantConfig
	store      domain.AuthorizationStore
	clients    *clients.Registry
	issuer     *token.Issuer
	evaluator  ScopeEvaluator
	httpClient *http.Client

	mu           sync.Mutex
	smartConfigs map[string]domain.SmartWellKnown
	initialized  bool
}

// NewManager builds a manager over the given collaborators.
func NewManager(cfg ManagerConfig) *Manager {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	return &Manager{
		publicURL:    strings.TrimSuffix(cfg.PublicURL, "/"),
		tenants:      cfg.Tenants,
		store:        cfg.Store,
		clients:      cfg.Clients,
		issuer:       cfg.Issuer,
		evaluator:    cfg.Evaluator,
		httpClient:   httpClient,
		smartConfigs: make(map[string]domain.SmartWellKnown),
	}
}

// Init publishes the discovery document and seeds the always-available
// administrative authorization for every SMART-enabled tenant. It is
// idempotent.
func (m *Manager) Init() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return
	}
	m.initialized = true

	log.Info().Msg("creating SMART tenants")

	for name, cfg := range m.tenants {
		if !cfg.SmartRequired && !cfg.SmartAllowed {
			continue
		}

		m.smartConfigs[name] = buildWellKnown(m.publicURL, name)
		m.seedAdminAuthorization(name)
	}
}

// seedAdminAuthorization creates the zero-key record: administrator
// user, all scopes granted, fixed token pair, expiry that never moves.
func (m *Manager) seedAdminAuthorization(tenant string) {
	auth := domain.NewAuthorization(domain.ZeroKey, tenant, "127.0.0.1", domain.AuthorizationRequest{
		ResponseType: "code",
		ClientID:     "smartauth",
		Scope:        "fhirUser profile user/*.*",
		Audience:     m.publicURL + "/fhir/" + tenant,
	})
	auth.UserID = "administrator"
	auth.Expires = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)
	auth.AuthCode = domain.ZeroKey + "_" + domain.ZeroKey
	auth.ApproveAllScopes()
	auth.UserScopes["*.*"] = struct{}{}

	idToken, err := m.issuer.IDToken(
		auth.RequestParameters.Audience,
		auth.Key+"_"+uuid.NewString(),
		auth.UserID,
		auth.RequestParameters.Audience,
		auth.LastAccessed,
		auth.Expires,
	)
	if err != nil {
		log.Warn().Err(err).Str("tenant", tenant).Msg("failed to mint admin id token")
	}

	auth.Response = &domain.SmartResponse{
		TokenType:    "bearer",
		Scopes:       auth.RequestParameters.Scope,
		ClientID:     auth.RequestParameters.ClientID,
		IDToken:      idToken,
		AccessToken:  domain.ZeroKey + "_" + domain.ZeroKey,
		RefreshToken: domain.ZeroKey + "_" + domain.ZeroKey,
	}

	m.store.Put(tenant+":"+domain.ZeroKey, auth)
}

// IsEnabled reports whether any tenant has SMART turned on.
func (m *Manager) IsEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.smartConfigs) > 0
}

// HasTenant reports whether the named tenant exists.
func (m *Manager) HasTenant(tenant string) bool {
	_, ok := m.tenants[tenant]
	return ok
}

// SmartConfig returns the discovery document for a SMART-enabled tenant.
func (m *Manager) SmartConfig(tenant string) (domain.SmartWellKnown, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.smartConfigs[tenant]
	return cfg, ok
}

// RegisterClient registers a SMART client, delegating to the registry.
func (m *Manager) RegisterClient(registration domain.ClientRegistration) (string, []string, bool) {
	return m.clients.Register(registration)
}

// Clients returns the registered clients for the management surface.
func (m *Manager) Clients() []*clients.ClientInfo {
	return m.clients.Clients()
}

// TryGetAuthorization looks up an authorization by code or Authorization
// header value. A "Bearer " prefix is stripped and the remainder
// truncated to the fixed code length before the exact-match lookup.
func (m *Manager) TryGetAuthorization(tenant, code string) (*domain.Authorization, bool) {
	if code == "" || tenant == "" {
		return nil, false
	}

	if len(code) >= 7 && strings.EqualFold(code[:7], "Bearer ") {
		code = code[7:]
		if len(code) >= domain.CodeLength {
			code = code[:domain.CodeLength]
		}
	}

	auth, ok := m.store.Get(tenant + ":" + code)
	if !ok || !strings.EqualFold(auth.Tenant, tenant) {
		return nil, false
	}
	return auth, true
}

// TryUpdateAuth applies update to the record under the store lock and
// touches its last access. Interactive records also get their expiry
// extended; the zero key's never moves.
func (m *Manager) TryUpdateAuth(tenant, key string, update func(*domain.Authorization)) bool {
	err := m.store.Mutate(tenant+":"+key, func(local *domain.Authorization) error {
		if !strings.EqualFold(local.Tenant, tenant) {
			return errRejected
		}

		update(local)

		local.LastAccessed = time.Now().UTC()
		if local.Key != domain.ZeroKey {
			local.Expires = local.LastAccessed.Add(tokenExpiration)
		}
		return nil
	})
	return err == nil
}

// TryGetClientRedirect builds the post-consent redirect back to the
// client, carrying either the authorization code and state or an error.
func (m *Manager) TryGetClientRedirect(tenant, key, errCode, errDescription string) (string, bool) {
	var redirect string

	err := m.store.Mutate(tenant+":"+key, func(local *domain.Authorization) error {
		if !strings.EqualFold(local.Tenant, tenant) {
			return errRejected
		}
		if local.RequestParameters.RedirectURI == "" {
			return errRejected
		}

		local.LastAccessed = time.Now().UTC()
		if local.Key != domain.ZeroKey {
			local.Expires = local.LastAccessed.Add(tokenExpiration)
		}

		redirectURI := local.RequestParameters.RedirectURI
		sep := "?"
		if strings.Contains(redirectURI, "?") {
			sep = "&"
		}

		if errCode != "" {
			redirect = redirectURI + sep + "error=" + url.QueryEscape(errCode)
			if errDescription != "" {
				redirect += "&error_description=" + url.QueryEscape(errDescription)
			}
			return nil
		}

		redirect = redirectURI + sep + "code=" + local.AuthCode + "&state=" + local.RequestParameters.State
		return nil
	})
	if err != nil {
		return "", false
	}
	return redirect, true
}

// RequestAuth handles an authorize call: audience validation, record
// creation, and either a redirect to the local login page or, when an
// id_token_hint names a foreign issuer, to that issuer's authorize
// endpoint for a dual launch.
func (m *Manager) RequestAuth(tenant, remoteIP string, req domain.AuthorizationRequest) (string, string, bool) {
	if _, ok := m.SmartConfig(tenant); !ok {
		return "", "", false
	}

	if !audienceMatches(req.Audience, m.tenants[tenant].BaseURL) {
		return "", "", false
	}

	auth := domain.NewAuthorization(uuid.NewString(), tenant, remoteIP, req)
	auth.Expires = time.Now().UTC().Add(tokenExpiration)
	auth.AuthCode = auth.Key + "_" + uuid.NewString()

	m.store.Put(tenant+":"+auth.Key, auth)
	authKey := auth.Key

	loginRedirect := "/smart/login?store=" + url.QueryEscape(tenant) + "&key=" + url.QueryEscape(authKey)

	if req.IDTokenHint == "" {
		return loginRedirect, authKey, true
	}

	_, claims, err := token.ParseUnverified(req.IDTokenHint)
	if err != nil {
		log.Warn().Err(err).Msg("failed to parse id_token_hint")
		return "", authKey, false
	}

	issuer, _ := claims.GetIssuer()
	if issuer == req.Audience {
		// the hint is ours, log in as usual
		return loginRedirect, authKey, true
	}

	wellKnown, err := m.fetchWellKnown(issuer)
	if err != nil {
		log.Warn().Err(err).Str("issuer", issuer).Msg("failed to load foreign smart configuration")
		return "", authKey, false
	}

	_ = m.store.Mutate(tenant+":"+authKey, func(local *domain.Authorization) error {
		local.EhrLaunch = &domain.EhrLaunch{Issuer: issuer, WellKnown: wellKnown}
		return nil
	})

	endpoint := wellKnown.AuthorizationEndpoint
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	redirect := endpoint + sep +
		"response_type=code" +
		"&client_id=" + url.QueryEscape(req.ClientID) +
		"&redirect_uri=/smart/ehr_redirect" +
		"&state=" + url.QueryEscape(tenant+":"+authKey) +
		"&id_token_hint=" + url.QueryEscape(req.IDTokenHint) +
		"&prompt=none" +
		"&aud=" + url.QueryEscape(issuer) +
		"&scope=" + url.QueryEscape(req.Scope)

	return redirect, authKey, true
}

func (m *Manager) fetchWellKnown(issuer string) (domain.SmartWellKnown, error) {
	resp, err := m.httpClient.Get(strings.TrimSuffix(issuer, "/") + "/.well-known/smart-configuration")
	if err != nil {
		return domain.SmartWellKnown{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.SmartWellKnown{}, fmt.Errorf("smart configuration fetch returned status %d", resp.StatusCode)
	}

	var wellKnown domain.SmartWellKnown
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&wellKnown); err != nil {
		return domain.SmartWellKnown{}, err
	}
	return wellKnown, nil
}

// TryCreateSmartResponse exchanges an authorization code for tokens.
func (m *Manager) TryCreateSmartResponse(tenant, authCode, clientID, clientSecret, codeVerifier string) (*domain.SmartResponse, bool) {
	if authCode == "" {
		log.Warn().Msg("token exchange request is missing the authorization code")
		return nil, false
	}
	if len(authCode) < domain.CodeLength {
		log.Warn().Str("code", authCode).Msg("token exchange request is malformed")
		return nil, false
	}

	code := authCode[:domain.CodeLength]
	key := tenant + ":" + code

	var response *domain.SmartResponse

	err := m.store.Mutate(key, func(local *domain.Authorization) error {
		reject := func(msg string) error {
			local.LogActivity(domain.RequestTypeAuthorizationCode, false, msg)
			log.Warn().Msg(msg)
			return errRejected
		}

		switch {
		case tenant == "":
			return reject(fmt.Sprintf("token exchange for %s is missing the tenant", authCode))
		case clientID == "":
			return reject(fmt.Sprintf("token exchange for %s is missing the client id", authCode))
		case !strings.EqualFold(local.Tenant, tenant):
			return reject(fmt.Sprintf("%s tenant (%s) does not match request: %s", key, local.Tenant, tenant))
		case local.RequestParameters.ClientID != clientID:
			return reject(fmt.Sprintf("%s client (%s) does not match request: %s", key, local.RequestParameters.ClientID, clientID))
		}

		// the verifier is only checked when the initial request used PKCE
		if challenge := local.RequestParameters.PkceChallenge; challenge != "" {
			if codeVerifier == "" {
				return reject("code verifier is required when the initial request contains PKCE")
			}
			if pkceChallengeFor(codeVerifier) != challenge {
				return reject("code verifier does not match PKCE challenge")
			}
		}

		permitted := local.GrantedScopes()
		local.UserScopes, local.PatientScopes = scopes.Extract(permitted)

		var fhirContext []domain.FhirContext
		if local.LaunchPractitioner != "" {
			reference := local.LaunchPractitioner
			if !strings.HasPrefix(reference, "Practitioner/") {
				reference = "Practitioner/" + reference
			}
			fhirContext = append(fhirContext, domain.FhirContext{
				Type:      "Practitioner",
				Reference: reference,
			})
		}

		now := time.Now().UTC()
		local.LastAccessed = now

		accessToken := code + "_" + uuid.NewString()
		refreshToken := code + "_" + uuid.NewString()
		if code == domain.ZeroKey {
			accessToken = code + "_" + code
			refreshToken = code + "_" + code
		} else {
			local.Expires = now.Add(tokenExpiration)
		}

		idToken, err := m.issuer.IDToken(
			m.tenants[tenant].BaseURL,
			local.Key+"_"+uuid.NewString(),
			local.UserID,
			local.RequestParameters.Audience,
			local.LastAccessed,
			local.Expires,
		)
		if err != nil {
			return reject(fmt.Sprintf("failed to mint id token for %s: %v", key, err))
		}

		local.Response = &domain.SmartResponse{
			PatientID:    local.LaunchPatient,
			FhirContext:  fhirContext,
			TokenType:    "bearer",
			Scopes:       strings.Join(permitted, " "),
			ClientID:     local.RequestParameters.ClientID,
			IDToken:      idToken,
			AccessToken:  accessToken,
			RefreshToken: refreshToken,
		}

		local.LogActivity(domain.RequestTypeAuthorizationCode, true,
			fmt.Sprintf("granted access token: %s, refresh token: %s", accessToken, refreshToken))

		response = local.Response
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrAuthorizationNotFound) {
			log.Warn().Str("key", key).Msg("token exchange: authorization does not exist")
		}
		return nil, false
	}

	return response, true
}

// TrySmartRefresh rotates the token pair for a valid refresh token. The
// zero key's fixed pair is returned unchanged.
func (m *Manager) TrySmartRefresh(tenant, refreshToken, clientID string) (*domain.SmartResponse, bool) {
	if refreshToken == "" {
		log.Warn().Msg("refresh request is missing the refresh token")
		return nil, false
	}
	if len(refreshToken) < domain.CodeLength {
		log.Warn().Str("token", refreshToken).Msg("refresh request is malformed")
		return nil, false
	}

	code := refreshToken[:domain.CodeLength]
	key := tenant + ":" + code

	var response *domain.SmartResponse

	err := m.store.Mutate(key, func(local *domain.Authorization) error {
		reject := func(msg string) error {
			local.LogActivity(domain.RequestTypeRefreshToken, false, msg)
			log.Warn().Msg(msg)
			return errRejected
		}

		switch {
		case tenant == "":
			return reject(fmt.Sprintf("refresh of %s is missing the tenant", refreshToken))
		case clientID == "":
			return reject(fmt.Sprintf("refresh of %s is missing the client id", refreshToken))
		case !strings.EqualFold(local.Tenant, tenant):
			return reject(fmt.Sprintf("%s tenant (%s) does not match request: %s", key, local.Tenant, tenant))
		case local.RequestParameters.ClientID != clientID:
			return reject(fmt.Sprintf("%s client (%s) does not match request: %s", key, local.RequestParameters.ClientID, clientID))
		case local.Response == nil:
			return reject(fmt.Sprintf("%s does not have an issued refresh token", key))
		case local.Response.RefreshToken != refreshToken:
			return reject(fmt.Sprintf("%s refresh token %s does not match issued: %s", key, refreshToken, local.Response.RefreshToken))
		}

		now := time.Now().UTC()
		local.LastAccessed = now

		if code != domain.ZeroKey {
			local.Expires = now.Add(tokenExpiration)

			next := *local.Response
			next.AccessToken = code + "_" + uuid.NewString()
			next.RefreshToken = code + "_" + uuid.NewString()
			local.Response = &next
		}

		local.LogActivity(domain.RequestTypeRefreshToken, true,
			fmt.Sprintf("refreshed access token: %s, refresh token: %s", local.Response.AccessToken, local.Response.RefreshToken))

		response = local.Response
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrAuthorizationNotFound) {
			log.Warn().Str("key", key).Msg("refresh: authorization does not exist")
		}
		return nil, false
	}

	return response, true
}

// TryClientAssertionExchange authenticates a JWT-bearer client assertion
// and issues a service authorization good for 24 hours.
func (m *Manager) TryClientAssertionExchange(tenant, remoteIP, assertionType, assertion string, scopeList []string) (*domain.SmartResponse, []string, bool) {
	var messages []string

	warn := func(msg string) ([]string, bool) {
		log.Warn().Msg(msg)
		messages = append(messages, msg)
		return messages, false
	}

	if tenant == "" {
		messages, ok := warn("client assertion request is missing the tenant")
		return nil, messages, ok
	}
	tenantCfg, found := m.tenants[tenant]
	if !found {
		messages, ok := warn(fmt.Sprintf("client assertion request has an unknown tenant %s", tenant))
		return nil, messages, ok
	}
	if assertionType != jwtBearerAssertionType {
		messages, ok := warn(fmt.Sprintf("invalid client assertion type: %s", assertionType))
		return nil, messages, ok
	}
	if assertion == "" {
		messages, ok := warn("missing client assertion")
		return nil, messages, ok
	}

	// network I/O (jku fetch) happens inside Authenticate, before any
	// authorization store lock
	client, authMessages, ok := m.clients.Authenticate(assertion, tenantCfg)
	messages = append(messages, authMessages...)
	if !ok {
		return nil, messages, false
	}

	code := uuid.NewString()
	now := time.Now().UTC()
	expires := now.Add(assertionExpiration)
	scopeString := strings.Join(scopeList, " ")

	idToken, err := m.issuer.IDToken(
		tenantCfg.BaseURL,
		client.ClientID+"_"+uuid.NewString(),
		client.ClientID,
		tenantCfg.BaseURL,
		now,
		expires,
	)
	if err != nil {
		messages, ok := warn(fmt.Sprintf("failed to mint id token for client %s: %v", client.ClientID, err))
		return nil, messages, ok
	}

	response := &domain.SmartResponse{
		TokenType:    "bearer",
		Scopes:       scopeString,
		ClientID:     client.ClientID,
		IDToken:      idToken,
		AccessToken:  code + "_" + uuid.NewString(),
		RefreshToken: code + "_" + uuid.NewString(),
	}

	auth := domain.NewAuthorization(code, tenant, remoteIP, domain.AuthorizationRequest{
		ClientID: client.ClientID,
		Scope:    scopeString,
		Audience: tenantCfg.BaseURL,
	})
	auth.UserID = client.ClientID
	auth.Expires = expires
	auth.ApproveAllScopes()
	auth.UserScopes, auth.PatientScopes = scopes.Extract(scopeList)
	auth.Response = response

	m.store.Put(tenant+":"+code, auth)

	m.clients.LogActivity(client.ClientID, domain.AuditEntry{
		RequestType: domain.RequestTypeClientAssertion,
		Success:     true,
		Message:     fmt.Sprintf("granted access token: %s, refresh token: %s", response.AccessToken, response.RefreshToken),
	})

	return response, messages, true
}

// TryIntrospection reports the state of an issued access token.
func (m *Manager) TryIntrospection(tenant, tok string) (*domain.IntrospectionResponse, bool) {
	if tok == "" {
		log.Warn().Msg("introspection request is missing the token")
		return nil, false
	}
	if len(tok) < domain.CodeLength {
		log.Warn().Str("token", tok).Msg("introspection request is malformed")
		return nil, false
	}

	code := tok[:domain.CodeLength]
	key := tenant + ":" + code

	var response *domain.IntrospectionResponse

	err := m.store.Mutate(key, func(local *domain.Authorization) error {
		reject := func(msg string) error {
			local.LogActivity(domain.RequestTypeAuthorizationCode, false, msg)
			log.Warn().Msg(msg)
			return errRejected
		}

		switch {
		case tenant == "":
			return reject(fmt.Sprintf("introspection of %s is missing the tenant", tok))
		case !strings.EqualFold(local.Tenant, tenant):
			return reject(fmt.Sprintf("%s tenant (%s) does not match request: %s", key, local.Tenant, tenant))
		case local.Response == nil:
			return reject(fmt.Sprintf("%s has not retrieved an access token", key))
		case local.Response.AccessToken != tok:
			return reject(fmt.Sprintf("%s access token (%s) does not match request: %s", key, local.Response.AccessToken, tok))
		}

		response = &domain.IntrospectionResponse{
			Active:    true,
			Scopes:    strings.Join(local.GrantedScopes(), " "),
			ClientID:  local.RequestParameters.ClientID,
			Username:  local.UserID,
			Subject:   hashSubject(local.UserID),
			Audience:  local.RequestParameters.Audience,
			ExpiresAt: local.Expires.Unix(),
			IssuedAt:  local.LastAccessed.Unix(),
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrAuthorizationNotFound) {
			log.Warn().Str("key", key).Msg("introspection: authorization was not found")
		}
		return nil, false
	}

	return response, true
}

// TryEhrRedirect would complete a dual launch when the foreign EHR
// redirects back. The exchange with the foreign token endpoint is not
// implemented; callers always get a failure.
func (m *Manager) TryEhrRedirect(tenant, code, state string) (string, bool) {
	key := state
	if !strings.Contains(key, ":") {
		key = tenant + ":" + key
	}

	auth, ok := m.store.Get(key)
	if !ok {
		log.Warn().Str("state", state).Msg("ehr redirect state not found")
		return "", false
	}

	_ = m.store.Mutate(key, func(local *domain.Authorization) error {
		local.LastAccessed = time.Now().UTC()
		return nil
	})

	log.Warn().
		Str("issuer", ehrIssuer(auth)).
		Msg("ehr redirect token exchange is not implemented")

	return "", false
}

func ehrIssuer(auth *domain.Authorization) string {
	if auth.EhrLaunch == nil {
		return ""
	}
	return auth.EhrLaunch.Issuer
}

// pkceChallengeFor computes the S256 challenge of a verifier.
func pkceChallengeFor(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// hashSubject derives the opaque introspection subject from a user id.
func hashSubject(userID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return strconv.FormatUint(uint64(h.Sum32()), 10)
}

// audienceMatches compares the requested audience against the tenant
// base URL, tolerating a single trailing slash difference on either
// side.
func audienceMatches(audience, baseURL string) bool {
	if strings.EqualFold(audience, baseURL) {
		return true
	}
	if strings.HasSuffix(audience, "/") && !strings.HasSuffix(baseURL, "/") {
		return strings.EqualFold(audience, baseURL+"/")
	}
	if strings.HasSuffix(baseURL, "/") && !strings.HasSuffix(audience, "/") {
		return strings.EqualFold(audience+"/", baseURL)
	}
	return false
}
