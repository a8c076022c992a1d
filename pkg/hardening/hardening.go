package hardening

import (
	"fmt"
	"strings"
)

// Options carries the deployment settings checked before a gateway is
// allowed to serve in a production-like environment.
type Options struct {
	Service            string
	Environment        string
	StrictProdSecurity string
	StoreBackend       string
	DatabaseRequireTLS string
	RedisAddr          string
	RedisRequireTLS    string
	CORSAllowedOrigins string
	ApprovalWebhookURL string
}

// ValidateProduction rejects configurations that would run a production
// gateway with in-memory state, plaintext backends or permissive CORS.
// Outside production-like environments it is a no-op.
func ValidateProduction(o Options) error {
	if !isProductionLikeEnv(o.Environment) {
		return nil
	}
	if !isTrue(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "walletgate"
	}
	switch strings.ToLower(strings.TrimSpace(o.StoreBackend)) {
	case "", "memory":
		return fmt.Errorf("%s: strict production hardening forbids the in-memory store backend", service)
	case "postgres":
		if !isTrue(o.DatabaseRequireTLS, false) {
			return fmt.Errorf("%s: strict production hardening requires DATABASE_REQUIRE_TLS=true", service)
		}
	}
	if strings.TrimSpace(o.RedisAddr) != "" && !isTrue(o.RedisRequireTLS, false) {
		return fmt.Errorf("%s: strict production hardening requires REDIS_REQUIRE_TLS=true", service)
	}
	if err := validateCORSOrigins(o.CORSAllowedOrigins, service); err != nil {
		return err
	}
	if raw := strings.TrimSpace(o.ApprovalWebhookURL); raw != "" && !strings.HasPrefix(strings.ToLower(raw), "https://") {
		return fmt.Errorf("%s: strict production hardening requires an HTTPS approval webhook, got %q", service, raw)
	}
	return nil
}

func validateCORSOrigins(raw, service string) error {
	validCount := 0
	for _, origin := range strings.Split(raw, ",") {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		validCount++
		lower := strings.ToLower(o)
		if lower == "*" {
			return fmt.Errorf("%s: strict production hardening forbids CORS wildcard origin", service)
		}
		if strings.HasPrefix(lower, "http://localhost") || strings.HasPrefix(lower, "https://localhost") || strings.HasPrefix(lower, "http://127.0.0.1") || strings.HasPrefix(lower, "https://127.0.0.1") {
			return fmt.Errorf("%s: strict production hardening forbids localhost CORS origin %q", service, o)
		}
		if !strings.HasPrefix(lower, "https://") {
			return fmt.Errorf("%s: strict production hardening requires HTTPS CORS origin, got %q", service, o)
		}
	}
	if validCount == 0 {
		return fmt.Errorf("%s: strict production hardening requires explicit CORS_ALLOWED_ORIGINS", service)
	}
	return nil
}

func isTrue(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func isProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
