package main

import (
	"testing"
	"time"

	"reviewgate/pkg/config"
)

// testConfig loads defaults rooted in temp dirs, with audio off.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv(config.EnvHome, t.TempDir())
	t.Setenv(config.EnvExchangeDir, t.TempDir())
	t.Setenv(config.EnvLogLevel, "error")
	t.Setenv(config.EnvDBPath, "")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Audio.Disabled = true
	cfg.Log.File = "-"
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
