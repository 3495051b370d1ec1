package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID": "orders-dev",
	}

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Firestore.ProjectID != "orders-dev" {
		t.Errorf("expected firestore project to default to firebase project, got %s", cfg.Firestore.ProjectID)
	}
	if cfg.PubSub.ProjectID != "orders-dev" {
		t.Errorf("expected pubsub project to follow firestore project, got %s", cfg.PubSub.ProjectID)
	}
	if cfg.ERP.Enabled() {
		t.Errorf("expected erp sync disabled without connection settings")
	}
	if cfg.ERP.Timeout != defaultERPTimeout {
		t.Errorf("unexpected erp timeout %s", cfg.ERP.Timeout)
	}
	if len(cfg.ERP.NamePrefixes) != 2 || cfg.ERP.NamePrefixes[0] != "product_product_" {
		t.Errorf("unexpected default name prefixes %v", cfg.ERP.NamePrefixes)
	}
	if cfg.Orders.GuestReadWindow != time.Hour {
		t.Errorf("expected 1h guest window, got %s", cfg.Orders.GuestReadWindow)
	}
	if cfg.Orders.PriceCeilingMultiple != 3 {
		t.Errorf("expected price ceiling 3, got %d", cfg.Orders.PriceCeilingMultiple)
	}
	if cfg.Sync.Workers != defaultSyncWorkers || cfg.Sync.QueueSize != defaultSyncQueueSize {
		t.Errorf("unexpected sync sizing %+v", cfg.Sync)
	}
	if len(cfg.Security.OIDC.Issuers) != 1 || cfg.Security.OIDC.Issuers[0] != defaultSecurityIssuer {
		t.Errorf("unexpected default issuers %v", cfg.Security.OIDC.Issuers)
	}
	if cfg.Idempotency.Header != defaultIdempotencyHeader {
		t.Errorf("expected default idempotency header, got %s", cfg.Idempotency.Header)
	}
}

func TestLoadResolvesERPPasswordSecret(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID":     "orders-prod",
		"API_ERP_ENDPOINT":            "https://erp.example.com/",
		"API_ERP_DATABASE":            "restaurant",
		"API_ERP_USERNAME":            "sync@example.com",
		"API_ERP_PASSWORD":            "sm://erp/password",
		"API_ERP_NAME_PREFIXES":       "menu_, product_template_",
		"API_ERP_TIMEOUT":             "4s",
		"API_SECURITY_ENVIRONMENT":    "PROD",
		"API_SECURITY_OIDC_AUDIENCES": "prod=https://orders.example.com, stg=https://stg.example.com",
	}

	var requested string
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		requested = ref
		return "s3cr3t", nil
	})

	cfg, err := Load(context.Background(),
		WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""),
		WithSecretResolver(resolver),
		WithRequiredSecrets("ERP.Password"),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if requested != "secret://erp/password" {
		t.Fatalf("expected normalised secret reference, got %q", requested)
	}
	if cfg.ERP.Password != "s3cr3t" {
		t.Fatalf("expected resolved password, got %q", cfg.ERP.Password)
	}
	if cfg.ERP.Endpoint != "https://erp.example.com" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.ERP.Endpoint)
	}
	if !cfg.ERP.Enabled() {
		t.Fatalf("expected erp sync enabled")
	}
	if cfg.ERP.Timeout != 4*time.Second {
		t.Fatalf("unexpected timeout %s", cfg.ERP.Timeout)
	}
	if len(cfg.ERP.NamePrefixes) != 2 || cfg.ERP.NamePrefixes[0] != "menu_" {
		t.Fatalf("unexpected prefixes %v", cfg.ERP.NamePrefixes)
	}
	if cfg.Security.OIDC.Audience != "https://orders.example.com" {
		t.Fatalf("expected environment audience, got %q", cfg.Security.OIDC.Audience)
	}
}

func TestLoadSecretFailure(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID": "orders-prod",
		"API_ERP_PASSWORD":        "secret://erp/password",
	}
	boom := errors.New("permission denied")
	_, err := Load(context.Background(),
		WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""),
		WithSecretResolver(SecretResolverFunc(func(context.Context, string) (string, error) { return "", boom })),
	)
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped resolver error, got %v", err)
	}
}

func TestLoadMissingRequiredSecret(t *testing.T) {
	env := map[string]string{"API_FIREBASE_PROJECT_ID": "orders-prod"}
	_, err := Load(context.Background(),
		WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""),
		WithRequiredSecrets("ERP.Password"),
	)
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSecretsError, got %v", err)
	}
	if names := missing.Names(); len(names) != 1 || names[0] != "ERP.Password" {
		t.Fatalf("unexpected names %v", names)
	}
	if redacted := missing.RedactedNames(); len(redacted) != 1 || redacted[0] == "ERP.Password" {
		t.Fatalf("expected redacted names, got %v", redacted)
	}
}

func TestLoadValidationError(t *testing.T) {
	env := map[string]string{
		"API_ORDERS_PRICE_CEILING_MULTIPLE": "0",
		"API_SYNC_WORKERS":                  "0",
	}
	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	fields := validation.Fields()
	want := map[string]bool{"Firebase.ProjectID": true, "Firestore.ProjectID": true, "Orders.PriceCeilingMultiple": true, "Sync.Workers": true}
	for _, field := range fields {
		delete(want, field)
	}
	if len(want) != 0 {
		t.Fatalf("missing validation fields %v in %v", want, fields)
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# local overrides\nAPI_FIREBASE_PROJECT_ID=orders-local\nexport API_ERP_DATABASE=\"restaurant\"\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(path), WithoutSystemEnv(),
		WithEnvMap(map[string]string{"API_SERVER_PORT": "9091"}))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Firebase.ProjectID != "orders-local" {
		t.Fatalf("expected project from .env, got %q", cfg.Firebase.ProjectID)
	}
	if cfg.ERP.Database != "restaurant" {
		t.Fatalf("expected quoted value unwrapped, got %q", cfg.ERP.Database)
	}
	if cfg.Server.Port != "9091" {
		t.Fatalf("expected explicit map to win, got %q", cfg.Server.Port)
	}
}

func TestEnvironmentValuesPrecedence(t *testing.T) {
	values, err := EnvironmentValues(WithEnvFile(""), WithoutSystemEnv(), WithEnvMap(map[string]string{"A": "1"}))
	if err != nil {
		t.Fatalf("EnvironmentValues: %v", err)
	}
	if values["A"] != "1" {
		t.Fatalf("expected explicit value, got %v", values)
	}
}
