package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

const validPanel = `{
	"enabled": true,
	"max_debate_rounds": 2,
	"parallel_voting": true,
	"consensus_algorithm": "weighted-majority",
	"participants": [
		{"id": "llm-a", "provider": "openai", "model": "gpt-4o-mini", "weight": 1.0},
		{"id": "llm-b", "provider": "anthropic", "model": "claude-3-5-haiku-latest", "weight": 0.9}
	]
}`

func TestManagerLoadsInitialSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "moe_voting.json")
	writeConfig(t, path, validPanel)

	m, err := NewManager(path, zap.NewNop())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	cfg := m.Current()
	if cfg == nil {
		t.Fatal("Current returned nil")
	}
	if len(cfg.Participants) != 2 {
		t.Fatalf("participants = %d, want 2", len(cfg.Participants))
	}
	if cfg.MaxDebateRounds != 2 {
		t.Fatalf("MaxDebateRounds = %d, want 2", cfg.MaxDebateRounds)
	}
	// defaults filled in for unset fields
	if cfg.UnknownIntent != "unknown" {
		t.Fatalf("UnknownIntent = %q, want default", cfg.UnknownIntent)
	}
	if cfg.TimeoutPerVote() != 30*time.Second {
		t.Fatalf("TimeoutPerVote = %v, want default 30s", cfg.TimeoutPerVote())
	}
}

func TestManagerMissingFileFallsBackToDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.json")

	m, err := NewManager(path, zap.NewNop())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	cfg := m.Current()
	if cfg == nil || cfg.ConsensusAlgorithm != "weighted-majority" {
		t.Fatalf("expected default snapshot, got %+v", cfg)
	}
}

func TestManagerRejectsInvalidReloadKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "moe_voting.json")
	writeConfig(t, path, validPanel)

	m, err := NewManager(path, zap.NewNop())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	before := m.Current()

	// duplicate participant ids must be rejected
	writeConfig(t, path, `{
		"enabled": true,
		"participants": [
			{"id": "dup", "weight": 1.0},
			{"id": "dup", "weight": 1.0}
		]
	}`)
	if err := m.Reload(); err == nil {
		t.Fatal("Reload accepted an invalid config")
	}
	if m.Current() != before {
		t.Fatal("invalid reload replaced the published snapshot")
	}
}

func TestManagerHotReloadSwapsSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "moe_voting.json")
	writeConfig(t, path, validPanel)

	m, err := NewManager(path, zap.NewNop())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	reloaded := make(chan *VotingConfig, 1)
	m.OnReload(func(cfg *VotingConfig) {
		select {
		case reloaded <- cfg:
		default:
		}
	})

	writeConfig(t, path, `{
		"enabled": false,
		"consensus_algorithm": "plurality",
		"participants": [{"id": "solo", "weight": 1.0}]
	}`)

	select {
	case cfg := <-reloaded:
		if cfg.ConsensusAlgorithm != "plurality" || cfg.Enabled {
			t.Fatalf("unexpected reloaded config: %+v", cfg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for hot reload")
	}

	if m.Current().ConsensusAlgorithm != "plurality" {
		t.Fatal("Current still returns the old snapshot")
	}
}

func TestValidateRules(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*VotingConfig)
	}{
		{"zero debate rounds", func(c *VotingConfig) { c.MaxDebateRounds = 0 }},
		{"threshold out of range", func(c *VotingConfig) { c.ConsensusThreshold = 1.5 }},
		{"enabled without participants", func(c *VotingConfig) { c.Participants = nil }},
		{"negative weight", func(c *VotingConfig) { c.Participants[0].Weight = -1 }},
		{"empty participant id", func(c *VotingConfig) { c.Participants[0].ID = "" }},
	}
	for _, tc := range cases {
		cfg := DefaultVotingConfig()
		cfg.Participants = []Participant{{ID: "llm-a", Weight: 1.0}}
		tc.mut(cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: Validate accepted invalid config", tc.name)
		}
	}
}
