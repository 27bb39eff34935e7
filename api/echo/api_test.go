package echo

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fhirforge/smartauth"
	"github.com/fhirforge/smartauth/clients"
	"github.com/fhirforge/smartauth/domain"
	"github.com/fhirforge/smartauth/store"
	"github.com/fhirforge/smartauth/token"
)

const (
	testPublicURL = "http://localhost:5826"
	testBaseURL   = testPublicURL + "/fhir/r4"
)

func newTestServer(t *testing.T) *echo.Echo {
	t.Helper()

	registry := clients.NewRegistry(nil, time.Minute)
	t.Cleanup(registry.Stop)

	manager := smartauth.NewManager(smartauth.ManagerConfig{
		PublicURL: testPublicURL,
		Tenants: map[string]domain.TenantConfig{
			"r4": {Name: "r4", BaseURL: testBaseURL, SmartRequired: true},
		},
		Store:   store.NewMemoryAuthorizationStore(),
		Clients: registry,
		Issuer:  token.NewIssuer(token.DevSecret),
	})
	manager.Init()

	e := echo.New()
	NewSmartAPI(manager).RegisterRoutes(e)
	return e
}

func doForm(e *echo.Echo, target string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestSmartConfiguration(t *testing.T) {
	e := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/fhir/r4/.well-known/smart-configuration", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var cfg domain.SmartWellKnown
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	assert.Equal(t, testPublicURL+"/_smart/r4/authorize", cfg.AuthorizationEndpoint)
	assert.Equal(t, testPublicURL+"/_smart/r4/token", cfg.TokenEndpoint)

	req = httptest.NewRequest(http.MethodGet, "/fhir/nope/.well-known/smart-configuration", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuthorizeRedirectsToLogin(t *testing.T) {
	e := newTestServer(t)

	q := url.Values{
		"response_type": {"code"},
		"client_id":     {"my-app"},
		"redirect_uri":  {"http://client.example.com/cb"},
		"scope":         {"openid"},
		"state":         {"xyz"},
		"aud":           {testBaseURL},
	}
	req := httptest.NewRequest(http.MethodGet, "/_smart/r4/authorize?"+q.Encode(), nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Location"), "/smart/login?store=r4&key=")
}

func TestAuthorizeRejectsWrongAudience(t *testing.T) {
	e := newTestServer(t)

	q := url.Values{
		"client_id": {"my-app"},
		"aud":       {"http://elsewhere.example.com/fhir"},
	}
	req := httptest.NewRequest(http.MethodGet, "/_smart/r4/authorize?"+q.Encode(), nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_request")
}

func TestBypassFlowIssuesTokens(t *testing.T) {
	e := newTestServer(t)

	q := url.Values{
		"response_type":       {"code"},
		"client_id":           {"my-app"},
		"redirect_uri":        {"http://client.example.com/cb"},
		"scope":               {"openid user/Observation.rs"},
		"state":               {"xyz"},
		"aud":                 {testBaseURL},
		"auth_bypass":         {"practitioner"},
		"bypass_practitioner": {"prac-1"},
	}
	req := httptest.NewRequest(http.MethodGet, "/_smart/r4/authorize?"+q.Encode(), nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	code := location.Query().Get("code")
	require.NotEmpty(t, code)
	assert.Equal(t, "xyz", location.Query().Get("state"))

	rec = doForm(e, "/_smart/r4/token", url.Values{
		"grant_type": {"authorization_code"},
		"code":       {code},
		"client_id":  {"my-app"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp domain.SmartResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "bearer", resp.TokenType)
	assert.NotEmpty(t, resp.AccessToken)
	require.Len(t, resp.FhirContext, 1)
	assert.Equal(t, "Practitioner/prac-1", resp.FhirContext[0].Reference)

	// the issued token introspects as active
	rec = doForm(e, "/_smart/r4/introspect", url.Values{"token": {resp.AccessToken}})
	require.Equal(t, http.StatusOK, rec.Code)

	var intro domain.IntrospectionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &intro))
	assert.True(t, intro.Active)
	assert.Equal(t, "my-app", intro.ClientID)
}

func TestTokenBasicAuthFallback(t *testing.T) {
	e := newTestServer(t)

	q := url.Values{
		"client_id":    {"my-app"},
		"redirect_uri": {"http://client.example.com/cb"},
		"scope":        {"openid"},
		"aud":          {testBaseURL},
		"auth_bypass":  {"admin"},
	}
	req := httptest.NewRequest(http.MethodGet, "/_smart/r4/authorize?"+q.Encode(), nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusFound, rec.Code)

	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	code := location.Query().Get("code")

	form := url.Values{
		"grant_type": {"authorization_code"},
		"code":       {code},
	}
	req = httptest.NewRequest(http.MethodPost, "/_smart/r4/token", strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	req.SetBasicAuth("my-app", "secret")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestTokenRejectsUnsupportedGrant(t *testing.T) {
	e := newTestServer(t)

	rec := doForm(e, "/_smart/r4/token", url.Values{"grant_type": {"password"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unsupported_grant_type")

	rec = doForm(e, "/_smart/nope/token", url.Values{"grant_type": {"authorization_code"}})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIntrospectUnknownTokenIsInactive(t *testing.T) {
	e := newTestServer(t)

	rec := doForm(e, "/_smart/r4/introspect", url.Values{
		"token": {"00000000-0000-0000-0000-00000000cafe_nope"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var intro domain.IntrospectionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &intro))
	assert.False(t, intro.Active)

	rec = doForm(e, "/_smart/r4/introspect", url.Values{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegisterClient(t *testing.T) {
	e := newTestServer(t)

	body, err := json.Marshal(domain.ClientRegistration{ClientName: "My App"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/_smart/r4/register", strings.NewReader(string(body)))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp domain.RegistrationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "MyApp", resp.ClientID)

	// the new client shows up on the management surface
	listReq := httptest.NewRequest(http.MethodGet, "/smart/clients", nil)
	listRec := httptest.NewRecorder()
	e.ServeHTTP(listRec, listReq)
	require.Equal(t, http.StatusOK, listRec.Code)
	assert.Contains(t, listRec.Body.String(), "MyApp")

	// a nameless registration is rejected
	req = httptest.NewRequest(http.MethodPost, "/_smart/r4/register", strings.NewReader("{}"))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEhrRedirectFails(t *testing.T) {
	e := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/smart/ehr_redirect?code=abc&state=r4:missing", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "server_error")
}
