package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ivotron/popper-badge-server/internal/client"
	"github.com/ivotron/popper-badge-server/internal/config"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := newLogger(&buf, "warn", "json")
	if err != nil {
		t.Fatalf("newLogger failed: %v", err)
	}
	log.Info("hidden")
	log.Warn("shown", "repo", "org/repo")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info message logged at warn level")
	}
	if !strings.Contains(out, `"repo":"org/repo"`) {
		t.Errorf("output = %q, want JSON attrs", out)
	}

	if _, err := newLogger(&buf, "loud", "text"); err == nil {
		t.Error("expected error for bad level")
	}
	if _, err := newLogger(&buf, "info", "xml"); err == nil {
		t.Error("expected error for bad format")
	}
}

func TestSplitRepo(t *testing.T) {
	org, repo, err := splitRepo("systemslab/popper")
	if err != nil {
		t.Fatalf("splitRepo failed: %v", err)
	}
	if org != "systemslab" || repo != "popper" {
		t.Errorf("splitRepo = %q, %q", org, repo)
	}

	for _, bad := range []string{"", "popper", "/popper", "org/", "a/b/c"} {
		if _, _, err := splitRepo(bad); err == nil {
			t.Errorf("splitRepo(%q) should fail", bad)
		}
	}
}

func TestRedactDSN(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"badges.db", "badges.db"},
		{"postgres://user:secret@db:5432/badges", "postgres://user:xxxxx@db:5432/badges"},
		{"postgres://user@db/badges", "postgres://user@db/badges"},
	}
	for _, tt := range tests {
		if got := redactDSN(tt.in); got != tt.want {
			t.Errorf("redactDSN(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPrintHistory(t *testing.T) {
	var buf bytes.Buffer
	printHistory(&buf, nil, false)
	if strings.TrimSpace(buf.String()) != "no records" {
		t.Errorf("empty output = %q", buf.String())
	}

	buf.Reset()
	printHistory(&buf, []client.HistoryEntry{
		{CommitID: "abc123", Status: "FAIL", Timestamp: "2018-07-01T10:24:39Z"},
	}, true)
	out := buf.String()
	if !strings.Contains(out, "abc123") || !strings.Contains(out, "\033[31mFAIL") {
		t.Errorf("output = %q, want red FAIL row", out)
	}

	buf.Reset()
	printHistory(&buf, []client.HistoryEntry{
		{CommitID: "abc123", Status: "GOLD", Timestamp: "2018-07-01T10:24:39Z"},
	}, false)
	if strings.Contains(buf.String(), "\033[") {
		t.Errorf("output = %q, want no escape codes", buf.String())
	}
}

func TestLoadConfigPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "popper-badge.yaml")
	if err := os.WriteFile(path, []byte("addr: \":9000\"\ndatabase: from-file.db\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cmd := serverCmd()
	cmd.Flags().String("config", "", "")
	if err := cmd.Flags().Parse([]string{"--config", path, "--database", "from-flag.db"}); err != nil {
		t.Fatal(err)
	}

	env := map[string]string{"POPPER_ADDR": ":7000"}
	cfg, err := loadConfig(cmd, func(k string) string { return env[k] })
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.Addr != ":7000" {
		t.Errorf("Addr = %q, want env value", cfg.Addr)
	}
	if cfg.Database != "from-flag.db" {
		t.Errorf("Database = %q, want flag value", cfg.Database)
	}
	if cfg.Badge.Mode != config.BadgeModeRedirect {
		t.Errorf("Badge.Mode = %q, want default", cfg.Badge.Mode)
	}
}
