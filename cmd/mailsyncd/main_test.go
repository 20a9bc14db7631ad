package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rbaliyan/mailsync/config"
	"github.com/rbaliyan/mailsync/push"
	"github.com/rbaliyan/mailsync/store"
	"github.com/rbaliyan/mailsync/store/blob"
	"github.com/rbaliyan/mailsync/store/memory"
	"github.com/rbaliyan/mailsync/store/pebble"
	"nhooyr.io/websocket"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"msg":"shown"`) {
		t.Errorf("unexpected log output %q", out)
	}

	if _, err := newLogger(config.LogConfig{Level: "loud"}, &buf); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestFsyncMode(t *testing.T) {
	tests := map[string]pebble.FsyncMode{
		"always":   pebble.FsyncAlways,
		"interval": pebble.FsyncInterval,
		"never":    pebble.FsyncNever,
	}
	for name, want := range tests {
		got, err := fsyncMode(name)
		if err != nil || got != want {
			t.Errorf("fsyncMode(%q) = %v, %v", name, got, err)
		}
	}
	if _, err := fsyncMode("sometimes"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func loadConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestOpenBackends(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		b, err := openBackends(ctx, loadConfig(t), discard)
		if err != nil {
			t.Fatal(err)
		}
		defer b.Close(ctx)
		mem, ok := b.store.(*memory.Store)
		if !ok || b.blobs != store.BlobStore(mem) || b.redis != nil {
			t.Errorf("expected the memory store to serve blobs, got %T %T", b.store, b.blobs)
		}
	})

	t.Run("file objects with redis links", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := loadConfig(t)
		cfg.Store.Backend = "pebble"
		cfg.Store.Path = t.TempDir()
		cfg.Blobs.Backend = "file"
		cfg.Blobs.Dir = t.TempDir()
		cfg.Blobs.CacheDir = t.TempDir()
		cfg.Redis.Addr = mr.Addr()

		b, err := openBackends(ctx, cfg, discard)
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := b.store.(*pebble.Store); !ok {
			t.Errorf("expected pebble store, got %T", b.store)
		}
		if _, ok := b.blobs.(*blob.Store); !ok || b.redis == nil {
			t.Errorf("expected redis-backed blob store, got %T", b.blobs)
		}
		if len(b.closers) != 2 {
			t.Errorf("expected cache and redis closers, got %d", len(b.closers))
		}
		if err := b.Close(ctx); err != nil {
			t.Errorf("Close: %v", err)
		}
	})

	t.Run("store blobs need memory", func(t *testing.T) {
		cfg := loadConfig(t)
		cfg.Store.Backend = "sqlite"
		cfg.Store.Path = t.TempDir() + "/mailsync.db"
		if _, err := openBackends(ctx, cfg, discard); err == nil {
			t.Error("expected error")
		}
	})
}

func TestDaemon(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := loadConfig(t)
	cfg.Principals = []config.PrincipalConfig{{Login: "alice", Secret: "pw", Account: 1}}
	d, err := newDaemon(ctx, cfg, discard)
	if err != nil {
		t.Fatalf("newDaemon: %v", err)
	}
	defer d.close(context.Background())

	h, err := d.handler(0x2a)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status %d", resp.StatusCode)
	}

	header := http.Header{}
	header.Set("Authorization", "Basic YWxpY2U6cHc=") // alice:pw
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+cfg.PushPath, &websocket.DialOptions{
		Subprotocols: []string{push.Subprotocol},
		HTTPHeader:   header,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	roundTrip := func(msg string) map[string]json.RawMessage {
		t.Helper()
		if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
			t.Fatal(err)
		}
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatal(err)
		}
		var out map[string]json.RawMessage
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("%s: %v", data, err)
		}
		return out
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"@type":"WebSocketPushEnable","dataTypes":["Mailbox"]}`)); err != nil {
		t.Fatal(err)
	}
	out := roundTrip(`{"@type":"Request","id":"r1","using":["urn:ietf:params:jmap:core"],"methodCalls":[["Mailbox/get",{"accountId":"b"},"c1"]]}`)

	// Creating the default mailboxes commits a change, so the push may
	// arrive before the response.
	var sawPush bool
	for string(out["@type"]) != `"Response"` {
		if string(out["@type"]) != `"StateChange"` {
			t.Fatalf("unexpected message %v", out)
		}
		sawPush = true
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatal(err)
		}
		out = nil
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatal(err)
		}
	}
	if string(out["requestId"]) != `"r1"` || string(out["sessionState"]) != `"2a"` {
		t.Errorf("unexpected response envelope %v", out)
	}
	var calls []push.MethodCall
	if err := json.Unmarshal(out["methodResponses"], &calls); err != nil {
		t.Fatal(err)
	}
	if len(calls) != 1 || calls[0].Name != "Mailbox/get" {
		t.Fatalf("unexpected method responses %s", out["methodResponses"])
	}

	if !sawPush {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(data), `"StateChange"`) || !strings.Contains(string(data), `"Mailbox"`) {
			t.Errorf("expected mailbox state change, got %s", data)
		}
	}
}
