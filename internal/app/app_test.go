package app

import (
	"testing"
	"time"

	"alarmd/internal/config"
	"alarmd/internal/registry"
	"alarmd/internal/rpc"
)

func TestMapEngineConfig(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Engine: config.EngineConfig{Enabled: true, BatchWindow: "45s", QueueSize: 10}}
	got, err := mapEngineConfig(cfg)
	if err != nil {
		t.Fatalf("mapEngineConfig: %v", err)
	}
	if !got.Enabled || got.BatchWindow != 45*time.Second || got.QueueSize != 10 {
		t.Fatalf("unexpected engine config: %+v", got)
	}

	cfg.Engine.BatchWindow = "not-a-duration"
	if _, err := mapEngineConfig(cfg); err == nil {
		t.Fatal("expected error for invalid batch_window")
	}
}

func TestMapOpsConfigNilSection(t *testing.T) {
	t.Parallel()
	got, err := mapOpsConfig(&config.Config{})
	if err != nil {
		t.Fatalf("mapOpsConfig: %v", err)
	}
	if got.Enabled {
		t.Fatal("nil ops section should map to disabled")
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		section *config.StorageConfig
		enabled bool
		wantErr bool
	}{
		{"nil", nil, false, false},
		{"none", &config.StorageConfig{Driver: "none"}, false, false},
		{"file", &config.StorageConfig{Driver: "file", Path: "/tmp/x"}, true, false},
		{"bad duration", &config.StorageConfig{Driver: "sqlite", Path: "/tmp/x", BusyTimeout: "later"}, false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, enabled, err := mapStorageConfig(&config.Config{Storage: tc.section})
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("mapStorageConfig: %v", err)
			}
			if enabled != tc.enabled {
				t.Fatalf("enabled = %v, want %v", enabled, tc.enabled)
			}
		})
	}
}

func TestNewAppDefaults(t *testing.T) {
	a, err := NewApp("", rpc.VersionInfo{Version: "test"})
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if a.Bridge() == nil || a.Registry() == nil {
		t.Fatal("app missing core components")
	}
	want := registry.Handle(dispatcherEntryName, dispatcherLibrary)
	if a.DispatcherHandle() != want {
		t.Fatalf("dispatcher handle = %d, want %d", a.DispatcherHandle(), want)
	}
	if _, ok := a.Registry().Resolve(a.DispatcherHandle()); !ok {
		t.Fatal("stock dispatcher handle does not resolve")
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done should be closed before Start")
	}
}
