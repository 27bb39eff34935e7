// Package echo exposes the SMART authorization endpoints over echo.
package echo

import (
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/fhirforge/smartauth"
	"github.com/fhirforge/smartauth/domain"
	"github.com/fhirforge/smartauth/errors"
)

// SmartAPI holds the handler dependencies.
type SmartAPI struct {
	manager *smartauth.Manager
}

// NewSmartAPI initializes the SMART API over the given manager.
func NewSmartAPI(manager *smartauth.Manager) *SmartAPI {
	return &SmartAPI{manager: manager}
}

// RegisterRoutes registers the SMART routes. Discovery hangs off each
// tenant's FHIR base; the OAuth endpoints live under /_smart/:tenant as
// advertised by the discovery document.
func (sa *SmartAPI) RegisterRoutes(e *echo.Echo) {
	e.GET("/fhir/:tenant/.well-known/smart-configuration", sa.SmartConfigurationHandler)
	e.GET("/_smart/:tenant/.well-known/smart-configuration", sa.SmartConfigurationHandler)

	e.GET("/_smart/:tenant/authorize", sa.AuthorizeHandler)
	e.POST("/_smart/:tenant/token", sa.TokenHandler)
	e.POST("/_smart/:tenant/register", sa.RegisterHandler)
	e.POST("/_smart/:tenant/introspect", sa.IntrospectHandler)

	e.GET("/smart/ehr_redirect", sa.EhrRedirectHandler)
	e.GET("/smart/clients", sa.ClientsHandler)
}

// SmartConfigurationHandler serves the tenant's discovery document.
func (sa *SmartAPI) SmartConfigurationHandler(c echo.Context) error {
	cfg, ok := sa.manager.SmartConfig(c.Param("tenant"))
	if !ok {
		return c.JSON(http.StatusNotFound, errors.NewInvalidRequest("Unknown tenant"))
	}

	return c.JSON(http.StatusOK, cfg)
}

// AuthorizeHandler handles SMART authorization requests. It validates
// the audience, creates the authorization record and redirects to the
// login page, or straight back to the client when a bypass persona is
// requested.
func (sa *SmartAPI) AuthorizeHandler(c echo.Context) error {
	tenant := c.Param("tenant")
	if !sa.manager.HasTenant(tenant) {
		return c.JSON(http.StatusNotFound, errors.NewInvalidRequest("Unknown tenant"))
	}

	req := domain.AuthorizationRequest{
		ResponseType:  c.QueryParam("response_type"),
		ClientID:      c.QueryParam("client_id"),
		RedirectURI:   c.QueryParam("redirect_uri"),
		Launch:        c.QueryParam("launch"),
		Scope:         c.QueryParam("scope"),
		State:         c.QueryParam("state"),
		Audience:      c.QueryParam("aud"),
		PkceChallenge: c.QueryParam("code_challenge"),
		PkceMethod:    c.QueryParam("code_challenge_method"),
		IDTokenHint:   c.QueryParam("id_token_hint"),
	}

	redirect, key, ok := sa.manager.RequestAuth(tenant, c.RealIP(), req)
	if !ok {
		return c.JSON(http.StatusBadRequest, errors.NewInvalidRequest("Authorization request was rejected"))
	}

	if bypass := c.QueryParam("auth_bypass"); bypass != "" {
		return sa.bypassLogin(c, tenant, key, bypass)
	}

	return c.Redirect(http.StatusFound, redirect)
}

// bypassLogin skips the login page for test harnesses: it assigns the
// requested persona, approves every requested scope and redirects back
// to the client with the authorization code.
func (sa *SmartAPI) bypassLogin(c echo.Context, tenant, key, bypass string) error {
	patient := c.QueryParam("bypass_patient")
	practitioner := c.QueryParam("bypass_practitioner")

	ok := sa.manager.TryUpdateAuth(tenant, key, func(auth *domain.Authorization) {
		switch bypass {
		case "admin", "administrator", "user":
			auth.UserID = "administrator"
		case "patient":
			auth.UserID = patient
			auth.LaunchPatient = patient
		case "practitioner":
			auth.UserID = practitioner
			auth.LaunchPractitioner = practitioner
		}
	})
	if !ok {
		return c.JSON(http.StatusBadRequest, errors.NewInvalidRequest("Authorization bypass failed"))
	}

	if !sa.manager.TryUpdateAuth(tenant, key, func(auth *domain.Authorization) {
		auth.ApproveAllScopes()
	}) {
		return c.JSON(http.StatusBadRequest, errors.NewInvalidRequest("Authorization bypass failed"))
	}

	redirect, ok := sa.manager.TryGetClientRedirect(tenant, key, "", "")
	if !ok {
		return c.JSON(http.StatusBadRequest, errors.NewInvalidRequest("Authorization bypass failed"))
	}

	return c.Redirect(http.StatusFound, redirect)
}

// TokenHandler handles SMART token requests: authorization code
// exchange, refresh, and JWT-bearer client assertion exchange.
func (sa *SmartAPI) TokenHandler(c echo.Context) error {
	tenant := c.Param("tenant")
	if !sa.manager.HasTenant(tenant) {
		return c.JSON(http.StatusNotFound, errors.NewInvalidRequest("Unknown tenant"))
	}

	clientID := c.FormValue("client_id")
	clientSecret := c.FormValue("client_secret")
	if clientID == "" {
		clientID, clientSecret = basicAuthClient(c.Request().Header.Get("Authorization"))
	}

	grantType := c.FormValue("grant_type")

	switch grantType {
	case "authorization_code":
		response, ok := sa.manager.TryCreateSmartResponse(
			tenant,
			c.FormValue("code"),
			clientID,
			clientSecret,
			c.FormValue("code_verifier"))
		if !ok {
			return c.JSON(http.StatusBadRequest, errors.NewInvalidGrant("Authorization code exchange failed"))
		}
		return c.JSON(http.StatusOK, response)

	case "refresh_token":
		response, ok := sa.manager.TrySmartRefresh(tenant, c.FormValue("refresh_token"), clientID)
		if !ok {
			return c.JSON(http.StatusBadRequest, errors.NewInvalidGrant("Refresh failed"))
		}
		return c.JSON(http.StatusOK, response)

	case "client_credentials":
		response, messages, ok := sa.manager.TryClientAssertionExchange(
			tenant,
			c.RealIP(),
			c.FormValue("client_assertion_type"),
			c.FormValue("client_assertion"),
			strings.Fields(c.FormValue("scope")))
		if !ok {
			return c.JSON(http.StatusBadRequest, errors.NewInvalidClient(strings.Join(messages, "; ")))
		}
		return c.JSON(http.StatusOK, response)

	default:
		return c.JSON(http.StatusBadRequest, errors.NewUnsupportedGrantType())
	}
}

// RegisterHandler handles dynamic client registration.
func (sa *SmartAPI) RegisterHandler(c echo.Context) error {
	tenant := c.Param("tenant")
	if !sa.manager.HasTenant(tenant) {
		return c.JSON(http.StatusNotFound, errors.NewInvalidRequest("Unknown tenant"))
	}

	var registration domain.ClientRegistration
	if err := c.Bind(&registration); err != nil {
		return c.JSON(http.StatusBadRequest, errors.NewInvalidRequest("Malformed registration request"))
	}

	clientID, messages, ok := sa.manager.RegisterClient(registration)
	if !ok {
		return c.JSON(http.StatusBadRequest, errors.NewInvalidRequest(strings.Join(messages, "; ")))
	}

	if len(messages) != 0 {
		log.Warn().
			Str("client_id", clientID).
			Strs("messages", messages).
			Msg("client registered with warnings")
	}

	return c.JSON(http.StatusOK, domain.RegistrationResponse{ClientID: clientID})
}

// IntrospectHandler implements RFC 7662 token introspection. Failures
// still return 200 OK with active=false as the RFC requires.
func (sa *SmartAPI) IntrospectHandler(c echo.Context) error {
	tenant := c.Param("tenant")
	if !sa.manager.HasTenant(tenant) {
		return c.JSON(http.StatusNotFound, errors.NewInvalidRequest("Unknown tenant"))
	}

	tok := c.FormValue("token")
	if tok == "" {
		return c.JSON(http.StatusBadRequest, errors.NewInvalidRequest("token parameter is required"))
	}

	introspection, ok := sa.manager.TryIntrospection(tenant, tok)
	if !ok {
		return c.JSON(http.StatusOK, domain.IntrospectionResponse{Active: false})
	}

	return c.JSON(http.StatusOK, introspection)
}

// EhrRedirectHandler receives the redirect back from a foreign EHR
// during a dual launch. The state parameter carries "tenant:key".
func (sa *SmartAPI) EhrRedirectHandler(c echo.Context) error {
	state := c.QueryParam("state")
	tenant, _, _ := strings.Cut(state, ":")

	redirect, ok := sa.manager.TryEhrRedirect(tenant, c.QueryParam("code"), state)
	if !ok {
		return c.JSON(http.StatusBadRequest, errors.NewServerError("EHR launch redirection failed"))
	}

	return c.Redirect(http.StatusFound, redirect)
}

// ClientsHandler serves the registered clients for the management UI.
func (sa *SmartAPI) ClientsHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, sa.manager.Clients())
}

// basicAuthClient decodes client credentials from a Basic Authorization
// header.
func basicAuthClient(header string) (string, string) {
	const prefix = "Basic "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", ""
	}

	decoded, err := base64.StdEncoding.DecodeString(header[len(prefix):])
	if err != nil {
		return "", ""
	}

	clientID, clientSecret, _ := strings.Cut(string(decoded), ":")
	return clientID, clientSecret
}
