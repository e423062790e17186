package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDurationFallbacks(t *testing.T) {
	s := Settings{
		SessionIdleTimeout: "garbage",
		SessionSweepEvery:  "-5s",
		CreditTickEvery:    "10s",
	}

	if got := s.IdleTimeout(); got != 30*time.Minute {
		t.Errorf("IdleTimeout fallback = %v, want 30m", got)
	}
	if got := s.SweepInterval(); got != time.Minute {
		t.Errorf("SweepInterval fallback = %v, want 1m", got)
	}
	if got := s.CreditTick(); got != 10*time.Second {
		t.Errorf("CreditTick = %v, want 10s", got)
	}
}

func TestOverlayFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	content := "session_idle_timeout: 5m\nmax_sessions_per_account: 1\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write settings file: %v", err)
	}

	s := Settings{
		SessionIdleTimeout:    "30m",
		CreditTickEvery:       "30s",
		MaxSessionsPerAccount: 3,
	}
	if err := overlayFile(&s, path); err != nil {
		t.Fatalf("overlayFile: %v", err)
	}

	if s.IdleTimeout() != 5*time.Minute {
		t.Errorf("idle timeout not overlaid: %v", s.IdleTimeout())
	}
	if s.MaxSessionsPerAccount != 1 {
		t.Errorf("max sessions not overlaid: %d", s.MaxSessionsPerAccount)
	}
	// Keys absent from the file keep their values.
	if s.CreditTick() != 30*time.Second {
		t.Errorf("credit tick changed unexpectedly: %v", s.CreditTick())
	}
}

func TestOverlayFileMissing(t *testing.T) {
	s := Settings{}
	if err := overlayFile(&s, "/nonexistent/settings.yaml"); err == nil {
		t.Error("expected error for missing settings file")
	}
}
