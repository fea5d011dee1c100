package main

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "parley.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// migratedConfig writes a SQLite config in a temp dir and migrates it.
func migratedConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "parley.yaml")
	content := "database:\n  driver: sqlite\n  path: " + filepath.Join(dir, "parley.db") + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := run(t, "", "db", "migrate", "--config", path)
	if err != nil {
		t.Fatalf("db migrate: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Migrated") || !strings.Contains(out, "(sqlite)") {
		t.Fatalf("db migrate output = %q", out)
	}
	return path
}

var createdID = regexp.MustCompile(`\(([0-9a-f-]{36})\)`)

func idFrom(t *testing.T, out string) string {
	t.Helper()
	m := createdID.FindStringSubmatch(out)
	if m == nil {
		t.Fatalf("no ID in output %q", out)
	}
	return m[1]
}

func TestDBMigrateCmd_InvalidConfig(t *testing.T) {
	path := writeConfig(t, "log:\n  level: loud\n")
	_, err := run(t, "", "db", "migrate", "--config", path)
	if err == nil {
		t.Fatal("expected error for invalid log level")
	}
	if !strings.Contains(err.Error(), "log.level") {
		t.Errorf("error = %q, want to mention log.level", err.Error())
	}
}

func TestResponderCmds(t *testing.T) {
	cfg := migratedConfig(t)

	out, err := run(t, "", "responder", "list", "-c", cfg)
	if err != nil {
		t.Fatalf("responder list: %v", err)
	}
	if !strings.Contains(out, "No responders.") {
		t.Errorf("empty list output = %q", out)
	}

	out, err = run(t, "", "responder", "add", "-c", cfg,
		"--name", "Ada", "--provider", "openai", "--model", "gpt-4o", "--personality", "A careful mathematician")
	if err != nil {
		t.Fatalf("responder add: %v\n%s", err, out)
	}
	id := idFrom(t, out)

	out, err = run(t, "", "responder", "list", "-c", cfg)
	if err != nil {
		t.Fatalf("responder list: %v", err)
	}
	for _, want := range []string{id, "Ada", "OpenAI", "gpt-4o", "A careful mathematician"} {
		if !strings.Contains(out, want) {
			t.Errorf("list output missing %q:\n%s", want, out)
		}
	}
}

func TestResponderAdd_Rejected(t *testing.T) {
	cfg := migratedConfig(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown provider", []string{"--name", "A", "--provider", "gemini", "--model", "x", "--personality", "p"}, "unknown provider"},
		{"model not enabled", []string{"--name", "A", "--provider", "openai", "--model", "gpt-2", "--personality", "p"}, "not enabled"},
		{"reserved name", []string{"--name", "System", "--provider", "openai", "--model", "gpt-4o", "--personality", "p"}, "reserved"},
		{"missing flag", []string{"--name", "A", "--provider", "openai", "--model", "gpt-4o"}, "personality"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"responder", "add", "-c", cfg}, tt.args...)
			_, err := run(t, "", args...)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want to contain %q", err.Error(), tt.want)
			}
		})
	}
}

func TestRoomCmds(t *testing.T) {
	cfg := migratedConfig(t)

	out, err := run(t, "", "room", "list", "-c", cfg)
	if err != nil {
		t.Fatalf("room list: %v", err)
	}
	if !strings.Contains(out, "No rooms.") {
		t.Errorf("empty list output = %q", out)
	}

	out, err = run(t, "", "responder", "add", "-c", cfg,
		"--name", "Ada", "--provider", "openai", "--model", "gpt-4o", "--personality", "Mathematician")
	if err != nil {
		t.Fatalf("responder add: %v", err)
	}
	ada := idFrom(t, out)
	out, err = run(t, "", "responder", "add", "-c", cfg,
		"--name", "Basho", "--provider", "Anthropic", "--model", "claude-3-haiku-20240307", "--personality", "Poet")
	if err != nil {
		t.Fatalf("responder add: %v", err)
	}
	basho := idFrom(t, out)

	out, err = run(t, "", "room", "create", "-c", cfg,
		"--name", "Salon", "--topic", "Is math discovered?", "--interval", "30", "--max-turns", "10", "--responder", ada)
	if err != nil {
		t.Fatalf("room create: %v\n%s", err, out)
	}
	room := idFrom(t, out)

	out, err = run(t, "", "room", "attach", "-c", cfg, room, basho)
	if err != nil {
		t.Fatalf("room attach: %v", err)
	}
	if !strings.Contains(out, "Attached") {
		t.Errorf("attach output = %q", out)
	}

	out, err = run(t, "", "room", "list", "-c", cfg)
	if err != nil {
		t.Fatalf("room list: %v", err)
	}
	for _, want := range []string{room, "Salon", "active", "30s"} {
		if !strings.Contains(out, want) {
			t.Errorf("list output missing %q:\n%s", want, out)
		}
	}

	out, err = run(t, "", "room", "show", "-c", cfg, room)
	if err != nil {
		t.Fatalf("room show: %v", err)
	}
	for _, want := range []string{"Salon", "Topic:   Is math discovered?", "Ada (OpenAI/gpt-4o)", "Basho (Anthropic/"} {
		if !strings.Contains(out, want) {
			t.Errorf("show output missing %q:\n%s", want, out)
		}
	}
}

func TestRoomCmd_Errors(t *testing.T) {
	cfg := migratedConfig(t)

	if _, err := run(t, "", "room", "show", "-c", cfg, "missing"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("show missing room: err = %v", err)
	}
	if _, err := run(t, "", "room", "create", "-c", cfg, "--name", "x"); err == nil {
		t.Error("create without --topic: expected error")
	}
	if _, err := run(t, "", "room", "create", "-c", cfg, "--name", "x", "--topic", "t", "--responder", "ghost"); err == nil {
		t.Error("create with unknown responder: expected error")
	}
	if _, err := run(t, "", "room", "attach", "-c", cfg, "only-one-arg"); err == nil {
		t.Error("attach with one arg: expected error")
	}
}

func TestKeySetCmd(t *testing.T) {
	cfg := migratedConfig(t)

	out, err := run(t, "", "key", "set", "u1", "-c", cfg, "--provider", "openai", "--key", "sk-open")
	if err != nil {
		t.Fatalf("key set: %v", err)
	}
	if !strings.Contains(out, "Stored OpenAI key for u1") {
		t.Errorf("output = %q", out)
	}

	// Key from stdin, merged with the stored OpenAI key.
	out, err = run(t, "sk-anth\n", "key", "set", "u1", "-c", cfg, "--provider", "anthropic")
	if err != nil {
		t.Fatalf("key set from stdin: %v", err)
	}
	if !strings.Contains(out, "Stored Anthropic key for u1") {
		t.Errorf("output = %q", out)
	}

	_, st, err := openStore(cfg)
	if err != nil {
		t.Fatal(err)
	}
	cred, err := st.Credential(t.Context(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if cred.OpenAIKey != "sk-open" || cred.AnthropicKey != "sk-anth" {
		t.Errorf("credential = %+v", cred)
	}

	out, err = run(t, "", "key", "set", "u1", "-c", cfg, "--provider", "openai", "--key", "")
	if err != nil {
		t.Fatalf("clear key: %v", err)
	}
	if !strings.Contains(out, "Cleared OpenAI key for u1") {
		t.Errorf("output = %q", out)
	}
}

func TestKeySetCmd_RequiresProvider(t *testing.T) {
	cfg := migratedConfig(t)
	if _, err := run(t, "", "key", "set", "u1", "-c", cfg, "--key", "k"); err == nil {
		t.Error("expected error without --provider")
	}
	if _, err := run(t, "", "key", "set", "u1", "-c", cfg, "--provider", "gemini", "--key", "k"); err == nil {
		t.Error("expected error for unknown provider")
	}
}
