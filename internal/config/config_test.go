package config

import (
	"errors"
	"testing"
	"time"
)

func TestValidateReportsMissingGatewaySecrets(t *testing.T) {
	cfg := Config{Gateway: GatewayConfig{KeyID: "rzp_test"}}

	err := cfg.Validate()
	if !errors.Is(err, ErrConfigMissing) {
		t.Fatalf("expected ErrConfigMissing, got %v", err)
	}

	cfg.Gateway.KeySecret = "secret"
	cfg.Gateway.WebhookSecret = "whsec"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("RAZORPAY_KEY_ID", "rzp_test_1")
	t.Setenv("RAZORPAY_TIMEOUT", "2s")
	t.Setenv("STARTING_CREDITS", "25")
	t.Setenv("RECONCILE_AUTO_RETRY", "yes")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg := Load()
	if cfg.Gateway.KeyID != "rzp_test_1" {
		t.Fatalf("unexpected key id %q", cfg.Gateway.KeyID)
	}
	if cfg.Gateway.Timeout != 2*time.Second {
		t.Fatalf("unexpected timeout %s", cfg.Gateway.Timeout)
	}
	if cfg.Credits.StartingCredits != 25 {
		t.Fatalf("unexpected starting credits %d", cfg.Credits.StartingCredits)
	}
	if !cfg.Reconcile.AutoRetry {
		t.Fatalf("expected auto retry enabled")
	}
	if cfg.Observability.OtlpEndpoint != "collector:4317" || cfg.Observability.LogLevel != "debug" {
		t.Fatalf("unexpected observability config %+v", cfg.Observability)
	}
}

func TestCatalogLookups(t *testing.T) {
	holder := NewStaticCatalogHolder(Catalog{
		CreditPacks:        DefaultCatalog().CreditPacks,
		EntitlementPlans:   DefaultCatalog().EntitlementPlans,
		DefaultEntitlement: "Lifetime",
		AdminEmails:        []string{" Admin@Example.com ", ""},
		FreeTools:          []string{"Resize"},
	})
	cat := holder.Get()

	pack, ok := cat.CreditPack(" PRO ")
	if !ok || pack.Credits != 500 || pack.Price != 79900 {
		t.Fatalf("unexpected pro pack %+v (found=%v)", pack, ok)
	}
	if _, ok := cat.CreditPack("platinum"); ok {
		t.Fatalf("expected unknown pack to be missing")
	}

	plan, ok := cat.EntitlementPlan("")
	if !ok || plan.ID != "lifetime" || plan.Price != 9900 {
		t.Fatalf("unexpected default plan %+v", plan)
	}
	if len(cat.AdminEmails) != 1 || cat.AdminEmails[0] != "admin@example.com" {
		t.Fatalf("unexpected admin emails %v", cat.AdminEmails)
	}
	if len(cat.FreeTools) != 1 || cat.FreeTools[0] != "resize" {
		t.Fatalf("unexpected free tools %v", cat.FreeTools)
	}
}

func TestValidateCatalogRejectsEmptyPacks(t *testing.T) {
	if err := validateCatalog(Catalog{}); err == nil {
		t.Fatalf("expected empty catalog to be rejected")
	}
	if err := validateCatalog(DefaultCatalog()); err != nil {
		t.Fatalf("default catalog invalid: %v", err)
	}
}
