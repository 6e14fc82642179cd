package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func names(servers []Server) []string {
	out := make([]string, len(servers))
	for i, s := range servers {
		out[i] = s.Name
	}
	return out
}

func TestLoadMergesWorkspaceAndUser(t *testing.T) {
	ws := t.TempDir()
	user := t.TempDir()
	writeFile(t, filepath.Join(ws, "."+AppDir, FileName), `{"servers":{
		"remote":{"url":"ws://ws-host/mcp/ws","priority":2},
		"local":{"command":"policy-mcp","env":{"MCP_STDIO":"true"},"priority":5},
		"backup":{"url":"ws://backup/mcp/ws","priority":2}
	}}`)
	writeFile(t, filepath.Join(user, AppDir, FileName), `{"servers":{
		"remote":{"url":"ws://user-host/mcp/ws","disabled":true}
	}}`)

	set, err := Load(Locations{Workspace: ws, UserConfig: user})
	if err != nil {
		t.Fatal(err)
	}
	if len(set.Sources) != 2 {
		t.Fatalf("sources = %v", set.Sources)
	}
	// The user entry replaces the workspace one, priority included.
	if got := names(set.Servers); len(got) != 3 || got[0] != "remote" || got[1] != "backup" || got[2] != "local" {
		t.Fatalf("order = %v", got)
	}
	if set.Servers[0].URL != "ws://user-host/mcp/ws" {
		t.Fatalf("user entry should win: %+v", set.Servers[0])
	}
	if got := names(set.Usable()); len(got) != 2 || got[0] != "backup" || got[1] != "local" {
		t.Fatalf("usable = %v", got)
	}
}

func TestServerKindAndTimeout(t *testing.T) {
	cases := []struct {
		srv     Server
		kind    Kind
		timeout time.Duration
	}{
		{Server{URL: "ws://kb/mcp/ws"}, KindWebSocket, DefaultDialTimeout},
		{Server{Command: "policy-mcp"}, KindCommand, DefaultStartTimeout},
		{Server{Command: "policy-mcp", TimeoutMS: 250}, KindCommand, 250 * time.Millisecond},
		{Server{}, KindNone, DefaultDialTimeout},
	}
	for _, tc := range cases {
		if got := tc.srv.Kind(); got != tc.kind {
			t.Errorf("%+v kind = %q, want %q", tc.srv, got, tc.kind)
		}
		if got := tc.srv.ConnectTimeout(); got != tc.timeout {
			t.Errorf("%+v timeout = %v, want %v", tc.srv, got, tc.timeout)
		}
	}
	if usable := (Set{Servers: []Server{{Name: "empty"}}}).Usable(); len(usable) != 0 {
		t.Fatalf("entry without transport is usable: %v", usable)
	}
}

func TestLoadExplicitFileOnly(t *testing.T) {
	ws := t.TempDir()
	writeFile(t, filepath.Join(ws, "."+AppDir, FileName), `{"servers":{"ignored":{"command":"x"}}}`)
	explicit := filepath.Join(t.TempDir(), "custom.json")
	writeFile(t, explicit, `{"servers":{"only":{"command":"y"}}}`)

	set, err := Load(Locations{File: explicit, Workspace: ws, UserConfig: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if len(set.Servers) != 1 || set.Servers[0].Name != "only" || set.Servers[0].Command != "y" {
		t.Fatalf("servers = %+v", set.Servers)
	}

	if _, err := Load(Locations{File: filepath.Join(t.TempDir(), "missing.json")}); err == nil {
		t.Fatal("missing explicit file should fail")
	}
}

func TestLoadMissingDefaultsAndBadJSON(t *testing.T) {
	set, err := Load(Locations{Workspace: t.TempDir(), UserConfig: t.TempDir()})
	if err != nil || len(set.Servers) != 0 {
		t.Fatalf("set = %+v, err = %v", set, err)
	}

	ws := t.TempDir()
	writeFile(t, filepath.Join(ws, "."+AppDir, FileName), `{nope`)
	if _, err := Load(Locations{Workspace: ws, UserConfig: t.TempDir()}); err == nil {
		t.Fatal("expected parse error")
	}
}
