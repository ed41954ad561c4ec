package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Host != DefaultHost {
		t.Errorf("expected default host %s, got %s", DefaultHost, cfg.Host)
	}
	if cfg.PreferredPort != DefaultPort {
		t.Errorf("expected default port %d, got %d", DefaultPort, cfg.PreferredPort)
	}
	if cfg.AutoRefreshMode != RefreshOnAnyChange {
		t.Errorf("expected default refresh mode %s, got %s", RefreshOnAnyChange, cfg.AutoRefreshMode)
	}
	if !cfg.ShowServerStatusNotifications {
		t.Error("expected status notifications enabled by default")
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Host != DefaultHost {
		t.Errorf("expected default host, got %s", cfg.Host)
	}
}

func TestLoadOverridesAndFixups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{"host":"0.0.0.0","preferred_port":0,"auto_refresh_mode":"bogus","show_server_status_notifications":false}`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Host != "0.0.0.0" {
		t.Errorf("expected host override, got %s", cfg.Host)
	}
	if cfg.PreferredPort != DefaultPort {
		t.Errorf("expected port fixup to %d, got %d", DefaultPort, cfg.PreferredPort)
	}
	if cfg.AutoRefreshMode != RefreshOnAnyChange {
		t.Errorf("expected unknown refresh mode to fall back, got %s", cfg.AutoRefreshMode)
	}
	if cfg.ShowServerStatusNotifications {
		t.Error("expected explicit false to survive defaulting")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")

	cfg := DefaultConfig()
	cfg.PreferredPort = 8080
	cfg.AutoRefreshMode = RefreshOnSave

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.PreferredPort != 8080 {
		t.Errorf("expected port 8080, got %d", loaded.PreferredPort)
	}
	if loaded.AutoRefreshMode != RefreshOnSave {
		t.Errorf("expected refresh mode %s, got %s", RefreshOnSave, loaded.AutoRefreshMode)
	}
}

func TestStoreUpdateNotifiesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	store := NewStore(path, DefaultConfig())

	var seen []RefreshMode
	unsubscribe := store.OnChange(func(c *Config) {
		seen = append(seen, c.AutoRefreshMode)
	})

	if err := store.Update(func(c *Config) { c.AutoRefreshMode = RefreshNever }); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if len(seen) != 1 || seen[0] != RefreshNever {
		t.Fatalf("expected one notification with %s, got %v", RefreshNever, seen)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.AutoRefreshMode != RefreshNever {
		t.Errorf("expected persisted mode %s, got %s", RefreshNever, loaded.AutoRefreshMode)
	}

	unsubscribe()
	if err := store.Update(func(c *Config) { c.PreferredPort = 9000 }); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if len(seen) != 1 {
		t.Errorf("expected no notification after unsubscribe, got %d", len(seen))
	}
}

func TestParseRefreshMode(t *testing.T) {
	tests := []struct {
		input    string
		expected RefreshMode
	}{
		{"onAnyChange", RefreshOnAnyChange},
		{"onSave", RefreshOnSave},
		{"never", RefreshNever},
		{" onSave ", RefreshOnSave},
		{"", RefreshOnAnyChange},
		{"whenever", RefreshOnAnyChange},
	}

	for _, tt := range tests {
		if got := ParseRefreshMode(tt.input); got != tt.expected {
			t.Errorf("ParseRefreshMode(%q) = %s, want %s", tt.input, got, tt.expected)
		}
	}
}
