package hardening

import (
	"strings"
	"testing"
)

func validOptions() Options {
	return Options{
		Service:            "walletgate",
		Environment:        "production",
		StoreBackend:       "postgres",
		DatabaseRequireTLS: "true",
		CORSAllowedOrigins: "https://ui.example",
	}
}

func TestValidateProduction(t *testing.T) {
	t.Parallel()
	if err := ValidateProduction(validOptions()); err != nil {
		t.Fatalf("valid options rejected: %v", err)
	}
}

func TestNonProductionSkipsChecks(t *testing.T) {
	t.Parallel()
	o := validOptions()
	o.Environment = "dev"
	o.StoreBackend = "memory"
	o.CORSAllowedOrigins = "*"
	if err := ValidateProduction(o); err != nil {
		t.Fatalf("dev environment must skip checks: %v", err)
	}
}

func TestStrictOptOut(t *testing.T) {
	t.Parallel()
	o := validOptions()
	o.StoreBackend = "memory"
	o.StrictProdSecurity = "false"
	if err := ValidateProduction(o); err != nil {
		t.Fatalf("opt-out must skip checks: %v", err)
	}
}

func TestProductionFailures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*Options)
		want   string
	}{
		{"memory backend", func(o *Options) { o.StoreBackend = "memory" }, "in-memory store"},
		{"postgres without tls", func(o *Options) { o.DatabaseRequireTLS = "" }, "DATABASE_REQUIRE_TLS"},
		{"redis without tls", func(o *Options) { o.RedisAddr = "redis:6379" }, "REDIS_REQUIRE_TLS"},
		{"cors wildcard", func(o *Options) { o.CORSAllowedOrigins = "*" }, "wildcard"},
		{"cors localhost", func(o *Options) { o.CORSAllowedOrigins = "https://localhost:3000" }, "localhost"},
		{"cors plaintext", func(o *Options) { o.CORSAllowedOrigins = "http://ui.example" }, "HTTPS CORS origin"},
		{"cors empty", func(o *Options) { o.CORSAllowedOrigins = " , " }, "explicit CORS_ALLOWED_ORIGINS"},
		{"plaintext webhook", func(o *Options) { o.ApprovalWebhookURL = "http://hooks.example" }, "HTTPS approval webhook"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			o := validOptions()
			tt.mutate(&o)
			err := ValidateProduction(o)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestRedisTLSAccepted(t *testing.T) {
	t.Parallel()
	o := validOptions()
	o.RedisAddr = "redis:6380"
	o.RedisRequireTLS = "true"
	if err := ValidateProduction(o); err != nil {
		t.Fatalf("redis with TLS rejected: %v", err)
	}
}
