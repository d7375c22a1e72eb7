package hardening

import (
	"strings"
	"testing"
)

func baseOptions() Options {
	return Options{
		Service:            "aegisgate",
		Environment:        "production",
		DatabaseURL:        "postgres://db/gate",
		DatabaseRequireTLS: "true",
		RedisAddr:          "redis:6379",
		RedisRequireTLS:    "true",
		WebhookURL:         "https://hooks.example.com/approvals",
		CORSAllowedOrigins: "https://console.example.com",
		AdminToken:         "secret",
	}
}

func TestValidateProductionOK(t *testing.T) {
	if err := ValidateProduction(baseOptions()); err != nil {
		t.Fatalf("expected pass, got %v", err)
	}
}

func TestValidateProductionSkipsDevEnv(t *testing.T) {
	o := baseOptions()
	o.Environment = "dev"
	o.AdminToken = ""
	o.CORSAllowedOrigins = "*"
	if err := ValidateProduction(o); err != nil {
		t.Fatalf("dev environment must skip hardening, got %v", err)
	}
}

func TestValidateProductionOptOut(t *testing.T) {
	o := baseOptions()
	o.StrictProdSecurity = "false"
	o.AdminToken = ""
	if err := ValidateProduction(o); err != nil {
		t.Fatalf("explicit opt-out must skip hardening, got %v", err)
	}
}

func TestValidateProductionFailures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Options)
		want   string
	}{
		{"db tls", func(o *Options) { o.DatabaseRequireTLS = "" }, "DATABASE_REQUIRE_TLS"},
		{"redis tls", func(o *Options) { o.RedisRequireTLS = "" }, "REDIS_REQUIRE_TLS"},
		{"http webhook", func(o *Options) { o.WebhookURL = "http://hooks.example.com" }, "HTTPS webhook"},
		{"admin token", func(o *Options) { o.AdminToken = " " }, "ADMIN_TOKEN"},
		{"cors wildcard", func(o *Options) { o.CORSAllowedOrigins = "*" }, "wildcard"},
		{"cors localhost", func(o *Options) { o.CORSAllowedOrigins = "https://localhost:3000" }, "localhost"},
		{"cors http", func(o *Options) { o.CORSAllowedOrigins = "http://console.example.com" }, "HTTPS CORS"},
		{"cors empty", func(o *Options) { o.CORSAllowedOrigins = " , " }, "explicit CORS_ALLOWED_ORIGINS"},
	}
	for _, tc := range cases {
		o := baseOptions()
		tc.mutate(&o)
		err := ValidateProduction(o)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected error containing %q, got %v", tc.name, tc.want, err)
		}
	}
}

func TestNoDatabaseNoRedisSkipsTLSChecks(t *testing.T) {
	o := baseOptions()
	o.DatabaseURL = ""
	o.DatabaseRequireTLS = ""
	o.RedisAddr = ""
	o.RedisRequireTLS = ""
	if err := ValidateProduction(o); err != nil {
		t.Fatalf("absent backends must not require TLS flags, got %v", err)
	}
}
