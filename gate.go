package smartauth

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fhirforge/smartauth/domain"
)

// ScopeEvaluator makes the final scope decision for an authorized
// request. The gate handles tenant policy and record validity first.
type ScopeEvaluator interface {
	IsAuthorized(ctx *domain.RequestContext) bool
}

// ScopeEvaluatorFunc adapts a function to the ScopeEvaluator interface.
type ScopeEvaluatorFunc func(*domain.RequestContext) bool

// IsAuthorized calls f.
func (f ScopeEvaluatorFunc) IsAuthorized(ctx *domain.RequestContext) bool {
	return f(ctx)
}

// IsAuthorized gates a FHIR request. Tenants without SMART pass
// everything through; capability statements are always readable; the
// administrative key bypasses scope checks; everything else needs a
// matching, unexpired authorization and an evaluator approval.
func (m *Manager) IsAuthorized(ctx *domain.RequestContext) bool {
	tenantCfg, found := m.tenants[ctx.TenantName]
	if !found || (!tenantCfg.SmartRequired && !tenantCfg.SmartAllowed) {
		return true
	}

	if ctx.Interaction == domain.InteractionSystemCapabilities {
		return true
	}

	if ctx.Authorization == nil {
		if tenantCfg.SmartAllowed {
			return true
		}
		log.Warn().
			Str("tenant", ctx.TenantName).
			Str("url", ctx.URL).
			Msg("rejecting unauthorized request")
		return false
	}

	auth := ctx.Authorization

	if auth.Key == domain.ZeroKey {
		return true
	}

	if !strings.EqualFold(ctx.TenantName, auth.Tenant) {
		msg := fmt.Sprintf("tenant %s does not match authorized tenant %s", ctx.TenantName, auth.Tenant)
		log.Warn().Msg(msg)
		_ = m.store.Mutate(auth.Tenant+":"+auth.Key, func(local *domain.Authorization) error {
			local.LogActivity(domain.RequestTypeAccess, false, msg)
			return nil
		})
		return false
	}

	if !auth.Expires.IsZero() && time.Now().UTC().After(auth.Expires) {
		log.Warn().
			Str("key", auth.Key).
			Time("expired", auth.Expires).
			Msg("rejecting request with expired authorization")
		return false
	}

	if m.evaluator == nil {
		return true
	}
	return m.evaluator.IsAuthorized(ctx)
}
