package providers

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/wirepool/tokengate/internal/account"
)

var testDBCounter int

func newTestStore(t *testing.T) *account.Store {
	t.Helper()
	box, err := account.NewBox(make([]byte, 32))
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}
	testDBCounter++
	dsn := fmt.Sprintf("file:providers-test-%d?mode=memory&cache=shared", testDBCounter)
	store, err := account.Open(dsn, box)
	if err != nil {
		t.Fatalf("account.Open: %v", err)
	}
	return store
}

func TestSeedFromEnvAndFileUsesDefaultsWhenNoFileConfigured(t *testing.T) {
	t.Setenv("NEXUS_MODEL_ROUTES_FILE", "")
	store := newTestStore(t)

	if err := SeedFromEnvAndFile(store); err != nil {
		t.Fatalf("SeedFromEnvAndFile: %v", err)
	}

	var routes []account.ModelRoute
	if err := store.DB().Find(&routes).Error; err != nil {
		t.Fatalf("find routes: %v", err)
	}
	if len(routes) != 3 {
		t.Fatalf("len(routes) = %d, want 3 default routes", len(routes))
	}
}

func TestSeedFromEnvAndFileIsIdempotent(t *testing.T) {
	store := newTestStore(t)

	if err := SeedFromEnvAndFile(store); err != nil {
		t.Fatalf("first seed: %v", err)
	}
	if err := SeedFromEnvAndFile(store); err != nil {
		t.Fatalf("second seed: %v", err)
	}

	var count int64
	if err := store.DB().Model(&account.ModelRoute{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Fatalf("route count after double seed = %d, want 3 (no duplicates)", count)
	}
}

func TestSeedFromEnvAndFileLoadsExplicitFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routes.yaml")
	yamlBody := `
routes:
  - client_model: custom-model
    provider: acme
    upstream_model: acme-upstream-v2
    enabled: true
`
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write routes file: %v", err)
	}
	t.Setenv("NEXUS_MODEL_ROUTES_FILE", path)

	store := newTestStore(t)
	if err := SeedFromEnvAndFile(store); err != nil {
		t.Fatalf("SeedFromEnvAndFile: %v", err)
	}

	var route account.ModelRoute
	if err := store.DB().Where("client_model = ?", "custom-model").First(&route).Error; err != nil {
		t.Fatalf("expected custom-model route to be seeded: %v", err)
	}
	if route.UpstreamModel != "acme-upstream-v2" {
		t.Fatalf("upstream_model = %q, want acme-upstream-v2", route.UpstreamModel)
	}
	if route.Provider != "acme" {
		t.Fatalf("provider = %q, want acme", route.Provider)
	}
}

func TestSeedFromEnvAndFileRejectsMissingExplicitFile(t *testing.T) {
	t.Setenv("NEXUS_MODEL_ROUTES_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	store := newTestStore(t)

	if err := SeedFromEnvAndFile(store); err == nil {
		t.Fatal("expected an error when the explicit routes file does not exist")
	}
}

func TestResolveFallsBackToPassThroughForUnknownModel(t *testing.T) {
	store := newTestStore(t)

	got := Resolve(store, "some-unlisted-model")
	if got != "some-unlisted-model" {
		t.Fatalf("Resolve = %q, want pass-through", got)
	}
}

func TestResolveReturnsUpstreamModelForEnabledRoute(t *testing.T) {
	store := newTestStore(t)
	if err := SeedFromEnvAndFile(store); err != nil {
		t.Fatalf("SeedFromEnvAndFile: %v", err)
	}

	got := Resolve(store, "gpt-4o")
	if got != "gpt-4o" {
		t.Fatalf("Resolve(gpt-4o) = %q, want gpt-4o", got)
	}
}

func TestResolveIgnoresDisabledRoute(t *testing.T) {
	store := newTestStore(t)
	if err := store.DB().Create(&account.ModelRoute{
		ClientModel:   "disabled-model",
		Provider:      "default",
		UpstreamModel: "should-not-be-used",
		Enabled:       false,
	}).Error; err != nil {
		t.Fatalf("create disabled route: %v", err)
	}

	got := Resolve(store, "disabled-model")
	if got != "disabled-model" {
		t.Fatalf("Resolve(disabled-model) = %q, want pass-through since route is disabled", got)
	}
}
