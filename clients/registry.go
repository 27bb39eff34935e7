// Package clients implements dynamic client registration and JWT-bearer
// client authentication.
package clients

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog/log"

	"github.com/fhirforge/smartauth/domain"
	"github.com/fhirforge/smartauth/keys"
	"github.com/fhirforge/smartauth/token"
)

const maxKeySetBytes = 1 << 20

// ClientInfo is a registered SMART client with its resolved keys.
type ClientInfo struct {
	ClientID     string                    `json:"client_id"`
	ClientName   string                    `json:"client_name"`
	Registration domain.ClientRegistration `json:"registration"`
	Activity     []domain.AuditEntry       `json:"activity,omitempty"`

	Keys map[string]*keys.Resolved `json:"-"`
}

// clone snapshots the client so callers can read it while the registry
// appends activity or merges fetched keys under its lock. Resolved keys
// are immutable and shared.
func (c *ClientInfo) clone() *ClientInfo {
	clone := *c
	clone.Activity = append([]domain.AuditEntry(nil), c.Activity...)
	clone.Keys = make(map[string]*keys.Resolved, len(c.Keys))
	for id, key := range c.Keys {
		clone.Keys[id] = key
	}
	return &clone
}

// Registry holds registered clients and authenticates their assertions.
// Fetched key sets are cached by URL so repeated assertions do not hammer
// the client's JWKS endpoint.
type Registry struct {
	mu      sync.Mutex
	clients map[string]*ClientInfo

	keySets    *ttlcache.Cache[string, domain.JWKS]
	httpClient *http.Client
}

// NewRegistry creates an empty registry. The HTTP client is used for jku
// key set fetches; nil falls back to a client with a short timeout.
func NewRegistry(httpClient *http.Client, keySetTTL time.Duration) *Registry {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if keySetTTL <= 0 {
		keySetTTL = 5 * time.Minute
	}

	cache := ttlcache.New[string, domain.JWKS](
		ttlcache.WithTTL[string, domain.JWKS](keySetTTL),
		ttlcache.WithDisableTouchOnHit[string, domain.JWKS](),
	)
	go cache.Start()

	return &Registry{
		clients:    make(map[string]*ClientInfo),
		keySets:    cache,
		httpClient: httpClient,
	}
}

// Stop halts the key set cache's expiration loop.
func (r *Registry) Stop() {
	r.keySets.Stop()
}

// Register adds a client from a registration request. A client id is
// derived from the name with spaces removed; collisions get a fresh UUID
// instead. Unusable keys are reported and dropped, and a client with no
// usable keys still registers with a warning.
func (r *Registry) Register(registration domain.ClientRegistration) (string, []string, bool) {
	var messages []string

	if registration.ClientName == "" {
		msg := "client registration is missing the client name"
		log.Warn().Msg(msg)
		return "", append(messages, msg), false
	}

	clientName := registration.ClientName

	r.mu.Lock()
	defer r.mu.Unlock()

	clientID := strings.ReplaceAll(clientName, " ", "")
	if _, taken := r.clients[clientID]; taken {
		clientID = uuid.NewString()
	}

	client := &ClientInfo{
		ClientID:     clientID,
		ClientName:   clientName,
		Registration: registration,
		Keys:         make(map[string]*keys.Resolved),
	}

	messages = append(messages, processKeys(clientName, client, registration.KeySet, "")...)

	if len(client.Keys) == 0 {
		msg := fmt.Sprintf("client registration %s has no keys", clientName)
		log.Warn().Msg(msg)
		messages = append(messages, msg)
	}

	client.Activity = append(client.Activity, domain.AuditEntry{
		RequestType: domain.RequestTypeRegistration,
		Success:     true,
		Timestamp:   time.Now().UTC(),
	})

	r.clients[clientID] = client

	return clientID, messages, true
}

// Get returns a snapshot of the client registered under clientID.
func (r *Registry) Get(clientID string) (*ClientInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	client, ok := r.clients[clientID]
	if !ok {
		return nil, false
	}
	return client.clone(), true
}

// Clients returns a snapshot of all registered clients.
func (r *Registry) Clients() []*ClientInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*ClientInfo, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c.clone())
	}
	return out
}

// LogActivity appends an audit entry to the client's activity log.
func (r *Registry) LogActivity(clientID string, entry domain.AuditEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if client, ok := r.clients[clientID]; ok {
		entry.Timestamp = time.Now().UTC()
		client.Activity = append(client.Activity, entry)
	}
}

// Authenticate validates a JWT-bearer client assertion against the
// registered client named by its issuer. The signature, issuer, audience
// and lifetime are checked independently so a bad assertion reports every
// failure at once, not just the first.
func (r *Registry) Authenticate(assertion string, tenant domain.TenantConfig) (*ClientInfo, []string, bool) {
	var messages []string

	tok, claims, err := token.ParseUnverified(assertion)
	if err != nil {
		msg := "invalid client assertion"
		log.Warn().Err(err).Msg(msg)
		return nil, append(messages, msg), false
	}

	clientID, _ := claims.GetIssuer()

	r.mu.Lock()
	client, ok := r.clients[clientID]
	r.mu.Unlock()
	if !ok {
		msg := fmt.Sprintf("client assertion issuer %s is not a registered client", clientID)
		log.Warn().Msg(msg)
		return nil, append(messages, msg), false
	}

	// a jku header points at a key set to fetch before key selection
	keySetURL, _ := tok.Header["jku"].(string)
	if keySetURL != "" {
		keySet, err := r.fetchKeySet(keySetURL)
		if err != nil {
			msg := fmt.Sprintf("failed to retrieve key set (jku) from %s: %v", keySetURL, err)
			log.Warn().Msg(msg)
			return nil, append(messages, msg), false
		}

		r.mu.Lock()
		messages = append(messages, processKeys(client.ClientName, client, keySet, keySetURL)...)
		r.mu.Unlock()
	}

	signingKeyID, _ := tok.Header["kid"].(string)
	if signingKeyID == "" {
		if keySetURL == "" {
			msg := "client assertion does not have a key id (kid)"
			log.Warn().Msg(msg)
			messages = append(messages, msg)
			r.LogActivity(clientID, domain.AuditEntry{
				RequestType: domain.RequestTypeClientAssertion,
				Message:     msg,
			})
			return nil, messages, false
		}
		signingKeyID = keySetURL
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(client.Keys) == 0 {
		msg := fmt.Sprintf("client %s has no keys", clientID)
		log.Warn().Msg(msg)
		messages = append(messages, msg)
		client.Activity = append(client.Activity, domain.AuditEntry{
			RequestType: domain.RequestTypeClientAssertion,
			Message:     msg,
			Timestamp:   time.Now().UTC(),
		})
		return nil, messages, false
	}

	signingKey, ok := client.Keys[signingKeyID]
	if !ok {
		msg := fmt.Sprintf("client assertion signing key id (kid) %s was not found in client %s", signingKeyID, clientID)
		log.Warn().Msg(msg)
		messages = append(messages, msg)
		client.Activity = append(client.Activity, domain.AuditEntry{
			RequestType: domain.RequestTypeClientAssertion,
			Message:     msg,
			Timestamp:   time.Now().UTC(),
		})
		return nil, messages, false
	}

	valid := true
	fail := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		log.Warn().Msg(msg)
		messages = append(messages, msg)
		valid = false
	}

	// each aspect is validated on its own so all defects surface together
	if _, err := token.VerifySignature(assertion, signingKey); err != nil {
		fail("token validation failed: %v", err)
	}

	if iss, err := claims.GetIssuer(); err != nil || iss != clientID {
		fail("token validation failed: issuer %s does not match client %s", iss, clientID)
	}

	auds, err := claims.GetAudience()
	audOK := err == nil
	if audOK {
		audOK = false
		for _, aud := range auds {
			if aud == tenant.BaseURL {
				audOK = true
				break
			}
		}
	}
	if !audOK {
		fail("token validation failed: audience %v does not match tenant %s", []string(auds), tenant.BaseURL)
	}

	exp, err := claims.GetExpirationTime()
	switch {
	case err != nil || exp == nil:
		fail("token validation failed: assertion is missing an expiration")
	case exp.Before(time.Now()):
		fail("token validation failed: assertion expired at %s", exp.Format(time.RFC3339))
	}

	if !valid {
		client.Activity = append(client.Activity, domain.AuditEntry{
			RequestType: domain.RequestTypeClientAssertion,
			Message:     "failed to validate client assertion: " + strings.Join(messages, "; "),
			Timestamp:   time.Now().UTC(),
		})
		return nil, messages, false
	}

	return client.clone(), messages, true
}

// fetchKeySet loads a JWKS from the given URL, serving repeats from the
// TTL cache.
func (r *Registry) fetchKeySet(url string) (domain.JWKS, error) {
	if item := r.keySets.Get(url); item != nil {
		return item.Value(), nil
	}

	resp, err := r.httpClient.Get(url)
	if err != nil {
		return domain.JWKS{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.JWKS{}, fmt.Errorf("key set fetch returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeySetBytes))
	if err != nil {
		return domain.JWKS{}, err
	}

	var keySet domain.JWKS
	if err := json.Unmarshal(body, &keySet); err != nil {
		return domain.JWKS{}, fmt.Errorf("failed to parse key set: %w", err)
	}

	r.keySets.Set(url, keySet, ttlcache.DefaultTTL)

	return keySet, nil
}

// processKeys resolves each key in the set onto the client, keyed by kid
// or, for fetched sets without one, the key set URL. Failures are
// reported per key and the rest of the set still loads.
func processKeys(clientName string, client *ClientInfo, keySet domain.JWKS, jwksURL string) []string {
	var messages []string

	for _, webKey := range keySet.Keys {
		if webKey.Alg == "" {
			msg := fmt.Sprintf("client registration %s has a key missing the algorithm", clientName)
			log.Warn().Msg(msg)
			messages = append(messages, msg)
			continue
		}

		resolved, subMessages, err := keys.Resolve(clientName, webKey)
		if err != nil {
			messages = append(messages, subMessages...)
			msg := fmt.Sprintf("client registration %s:%s could not be processed and will not be available", clientName, webKey.Alg)
			log.Warn().Msg(msg)
			messages = append(messages, msg)
			continue
		}

		keyID := webKey.Kid
		if keyID == "" {
			keyID = jwksURL
		}

		client.Keys[keyID] = resolved
	}

	return messages
}
