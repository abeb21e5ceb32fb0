// Package conformance runs the scenario suite against each embedded store.
package conformance

import (
	"path/filepath"
	"testing"
)

// TestConformance runs the full scenario suite on the in-memory and SQLite stores.
func TestConformance(t *testing.T) {
	backends := map[string]func(t *testing.T) Config{
		"memory": func(t *testing.T) Config {
			return Config{JWTIssuer: "test-issuer", JWTAudience: "test-audience"}
		},
		"sqlite": func(t *testing.T) Config {
			return Config{
				SQLitePath:  filepath.Join(t.TempDir(), "conformance.db"),
				JWTIssuer:   "test-issuer",
				JWTAudience: "test-audience",
			}
		},
	}

	for name, cfg := range backends {
		t.Run(name, func(t *testing.T) {
			harness, err := NewHarness(cfg(t))
			if err != nil {
				t.Fatalf("failed to create harness: %v", err)
			}
			defer harness.Close()

			harness.RunScenarios(t)
		})
	}
}
