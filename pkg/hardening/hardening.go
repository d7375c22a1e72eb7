// Package hardening validates production configuration before the gateway
// starts taking traffic. Lax settings that are fine in development refuse
// to boot in production-like environments.
package hardening

import (
	"fmt"
	"strings"
)

type Options struct {
	Service            string
	Environment        string
	StrictProdSecurity string
	DatabaseURL        string
	DatabaseRequireTLS string
	RedisAddr          string
	RedisRequireTLS    string
	WebhookURL         string
	CORSAllowedOrigins string
	AdminToken         string
}

// ValidateProduction reports every hardening problem at once, so a bad
// deploy surfaces the full list instead of one failure per restart.
func ValidateProduction(o Options) error {
	if !isProductionLikeEnv(o.Environment) {
		return nil
	}
	if !isTrue(o.StrictProdSecurity, true) {
		return nil
	}

	var problems []string
	if strings.TrimSpace(o.DatabaseURL) != "" && !isTrue(o.DatabaseRequireTLS, false) {
		problems = append(problems, "DATABASE_REQUIRE_TLS=true is required when DATABASE_URL is set")
	}
	if strings.TrimSpace(o.RedisAddr) != "" && !isTrue(o.RedisRequireTLS, false) {
		problems = append(problems, "REDIS_REQUIRE_TLS=true is required when REDIS_ADDR is set")
	}
	if url := strings.ToLower(strings.TrimSpace(o.WebhookURL)); url != "" && !strings.HasPrefix(url, "https://") {
		problems = append(problems, fmt.Sprintf("an HTTPS webhook url is required, got %q", o.WebhookURL))
	}
	if strings.TrimSpace(o.AdminToken) == "" {
		problems = append(problems, "ADMIN_TOKEN must be set")
	}
	problems = append(problems, corsProblems(o.CORSAllowedOrigins)...)

	if len(problems) == 0 {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	return fmt.Errorf("%s: strict production hardening: %s", service, strings.Join(problems, "; "))
}

func corsProblems(raw string) []string {
	var problems []string
	seen := 0
	for _, origin := range strings.Split(raw, ",") {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		seen++
		lower := strings.ToLower(o)
		switch {
		case lower == "*":
			problems = append(problems, "CORS wildcard origin is forbidden")
		case strings.Contains(lower, "://localhost"), strings.Contains(lower, "://127.0.0.1"):
			problems = append(problems, fmt.Sprintf("localhost CORS origin %q is forbidden", o))
		case !strings.HasPrefix(lower, "https://"):
			problems = append(problems, fmt.Sprintf("HTTPS CORS origin required, got %q", o))
		}
	}
	if seen == 0 {
		problems = append(problems, "explicit CORS_ALLOWED_ORIGINS is required")
	}
	return problems
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
