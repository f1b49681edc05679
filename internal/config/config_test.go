package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9000\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Session.TurnTimeout != 300*time.Second {
		t.Errorf("Session.TurnTimeout = %v, want 300s", cfg.Session.TurnTimeout)
	}
	if cfg.Session.QueueSize != 64 {
		t.Errorf("Session.QueueSize = %d, want 64", cfg.Session.QueueSize)
	}
	if cfg.Observer.StallSeconds != 30 {
		t.Errorf("Observer.StallSeconds = %d, want 30", cfg.Observer.StallSeconds)
	}
	if cfg.Observer.MaxInterventions != 10 {
		t.Errorf("Observer.MaxInterventions = %d, want 10", cfg.Observer.MaxInterventions)
	}
	if cfg.Observer.Mode != "passive" {
		t.Errorf("Observer.Mode = %q, want passive", cfg.Observer.Mode)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_WHISPER_KEY", "sk-test-value")
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "llm:\n  providers:\n    openai:\n      api_key: ${TEST_WHISPER_KEY}\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.LLM.Providers["openai"].APIKey; got != "sk-test-value" {
		t.Errorf("api_key = %q, want expanded env value", got)
	}
}

func TestValidate_RejectsBadMCPServer(t *testing.T) {
	tests := []struct {
		name   string
		server MCPServerConfig
	}{
		{"missing name", MCPServerConfig{Transport: "stdio", Command: "srv"}},
		{"stdio without command", MCPServerConfig{Name: "x", Transport: "stdio"}},
		{"websocket without url", MCPServerConfig{Name: "x", Transport: "websocket"}},
		{"unknown transport", MCPServerConfig{Name: "x", Transport: "carrier-pigeon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.MCP.Servers = []MCPServerConfig{tt.server}
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestValidate_RejectsDuplicateServers(t *testing.T) {
	cfg := Default()
	cfg.MCP.Servers = []MCPServerConfig{
		{Name: "a", Transport: "stdio", Command: "srv"},
		{Name: "a", Transport: "stdio", Command: "srv"},
	}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() = nil, want duplicate-name error")
	}
}
