package mcp

import (
	"context"
	"errors"
	"net/http/httptest"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/voice-agent-lab/internal/policy"
)

func newPolicyStore(t *testing.T) *policy.Store {
	t.Helper()
	store, err := policy.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	if _, err := store.Ingest(context.Background(), "returns", "Items may be returned within 30 days for a full refund."); err != nil {
		t.Fatal(err)
	}
	return store
}

func TestClientWrapperConnectWebSocket(t *testing.T) {
	server := NewPolicyServer("ws-server", "1.0.0", newPolicyStore(t))
	srv := httptest.NewServer(WebSocketHandler(server))
	defer srv.Close()

	wrapper := NewClientWrapper("integration-client", "test")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// http URLs are mapped to ws.
	if err := wrapper.ConnectWebSocket(ctx, srv.URL+"/mcp/ws"); err != nil {
		t.Fatalf("ConnectWebSocket failed: %v", err)
	}
	t.Cleanup(func() { _ = wrapper.Close() })

	retriever := NewPolicyRetriever(wrapper)
	hits, err := retriever.Search(ctx, "can I get a refund", 3)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != 1 || hits[0].Source != "returns" || !strings.Contains(hits[0].Text, "30 days") {
		t.Fatalf("hits = %+v", hits)
	}

	hits, err = retriever.Search(ctx, "zebra migration", 3)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("unexpected hits %+v", hits)
	}
}

func TestClientWrapperConnectCommand(t *testing.T) {
	binPath := buildCommandServer(t)

	wrapper := NewClientWrapper("integration-client", "test")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := wrapper.ConnectCommand(ctx, "cmd-server", binPath, nil, nil); err != nil {
		t.Fatalf("ConnectCommand failed: %v", err)
	}
	t.Cleanup(func() { _ = wrapper.Close() })

	text, err := wrapper.CallTool(ctx, SearchPoliciesTool, map[string]any{"query": "warranty for electronics"})
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}
	if !strings.Contains(text, "one year limited warranty") {
		t.Fatalf("unexpected tool result %q", text)
	}
}

func TestCallToolBeforeConnect(t *testing.T) {
	w := NewClientWrapper("c", "test")
	if _, err := w.CallTool(context.Background(), SearchPoliciesTool, nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v", err)
	}
}

type fakeCaller struct {
	text string
	err  error
	args map[string]any
}

func (f *fakeCaller) CallTool(_ context.Context, _ string, args map[string]any) (string, error) {
	f.args = args
	return f.text, f.err
}

func TestPolicyRetrieverDecodesAndLimits(t *testing.T) {
	f := &fakeCaller{text: `[{"id":"a","source":"s","text":"t1","score":0.9},{"id":"b","source":"s","text":"t2","score":0.5}]`}
	hits, err := NewPolicyRetriever(f).Search(context.Background(), "q", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].ID != "a" {
		t.Fatalf("hits = %+v", hits)
	}
	if f.args["query"] != "q" || f.args["limit"] != 1 {
		t.Fatalf("args = %v", f.args)
	}

	f.text = "not json"
	if _, err := NewPolicyRetriever(f).Search(context.Background(), "q", 1); err == nil {
		t.Fatal("expected decode error")
	}
}

func buildCommandServer(t *testing.T) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("failed to determine caller")
	}
	pkgDir := filepath.Dir(filename)
	serverDir := filepath.Join(pkgDir, "testdata", "cmdserver")

	binPath := filepath.Join(t.TempDir(), "cmdserver")
	cmd := exec.Command("go", "build", "-o", binPath, ".")
	cmd.Dir = serverDir
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("go build failed: %v\n%s", err, output)
	}
	return binPath
}
