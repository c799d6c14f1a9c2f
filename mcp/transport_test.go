package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

// echoServerScript reads one JSON-RPC request line at a time from stdin
// and writes back a response that echoes the request ID, simulating the
// minimum a real MCP stdio server does for initialize/tools-list calls.
const echoServerScript = `
while IFS= read -r line; do
  id=$(echo "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  printf '{"jsonrpc":"2.0","id":%s,"result":{"ok":true}}\n' "$id"
done
`

func TestStdioTransportSendReceivesMatchingResponse(t *testing.T) {
	transport := NewStdioTransport(ServerConfig{
		Name:    "echo",
		Command: "sh",
		Args:    []string{"-c", echoServerScript},
		Timeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := transport.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer transport.Close()

	result, err := transport.Send(ctx, "ping", nil)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	var decoded struct {
		OK bool `json:"ok"`
	}
	if err := json.Unmarshal(result, &decoded); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if !decoded.OK {
		t.Errorf("expected ok=true in response, got %s", result)
	}
}

func TestStdioTransportSendTimesOutWhenServerSilent(t *testing.T) {
	transport := NewStdioTransport(ServerConfig{
		Name:    "silent",
		Command: "sh",
		Args:    []string{"-c", "sleep 5"},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := transport.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer transport.Close()

	sendCtx, sendCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer sendCancel()

	_, err := transport.Send(sendCtx, "ping", nil)
	if err == nil {
		t.Fatal("expected Send to fail when server never responds")
	}
	if !strings.Contains(err.Error(), "context deadline exceeded") {
		t.Errorf("expected a deadline error, got %v", err)
	}
}

func TestHTTPTransportRequiresReachableURL(t *testing.T) {
	transport := NewHTTPTransport(ServerConfig{
		Name:    "unreachable",
		URL:     "http://127.0.0.1:1",
		Timeout: 200 * time.Millisecond,
	})

	ctx := context.Background()
	if err := transport.Connect(ctx); err != nil {
		t.Fatalf("Connect should be a no-op for http transport: %v", err)
	}

	_, err := transport.Send(ctx, "ping", nil)
	if err == nil {
		t.Fatal("expected Send against an unreachable URL to fail")
	}
}
