package mailsync

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rbaliyan/mailsync/store"
)

func TestOrderedMap(t *testing.T) {
	t.Run("keeps client order", func(t *testing.T) {
		var m OrderedMap[int]
		if err := json.Unmarshal([]byte(`{"zeta":1,"alpha":2,"mid":3}`), &m); err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]string{"zeta", "alpha", "mid"}, m.Keys()); diff != "" {
			t.Errorf("keys mismatch (-want +got):\n%s", diff)
		}
		data, err := json.Marshal(m)
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != `{"zeta":1,"alpha":2,"mid":3}` {
			t.Errorf("unexpected encoding %s", data)
		}
	})

	t.Run("overwrite keeps position", func(t *testing.T) {
		var m OrderedMap[string]
		m.Set("a", "1")
		m.Set("b", "2")
		m.Set("a", "3")
		if diff := cmp.Diff([]string{"a", "b"}, m.Keys()); diff != "" {
			t.Errorf("keys mismatch (-want +got):\n%s", diff)
		}
		if v, _ := m.Get("a"); v != "3" {
			t.Errorf("expected a=3, got %q", v)
		}
	})

	t.Run("empty and null", func(t *testing.T) {
		var m OrderedMap[int]
		data, err := json.Marshal(m)
		if err != nil || string(data) != "{}" {
			t.Errorf("empty map encoded as %s (%v)", data, err)
		}
		if err := json.Unmarshal([]byte(`null`), &m); err != nil || m.Len() != 0 {
			t.Errorf("null decoded to %d keys (%v)", m.Len(), err)
		}
		if err := json.Unmarshal([]byte(`[1]`), &m); err == nil {
			t.Error("expected error for array")
		}
	})
}

func TestCopyRequestJSON(t *testing.T) {
	src := `{
		"fromAccountId": "b",
		"accountId": "c",
		"create": {
			"k2": {"id": "f", "mailboxIds": {"a": true}, "keywords/$seen": true},
			"k1": {"mailboxIds/a": true, "id": "g"}
		},
		"onSuccessDestroyOriginal": true
	}`
	var req CopyRequest
	if err := json.Unmarshal([]byte(src), &req); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if diff := cmp.Diff([]string{"k2", "k1"}, req.Create.Keys()); diff != "" {
		t.Errorf("create order mismatch (-want +got):\n%s", diff)
	}
	k2, _ := req.Create.Get("k2")
	if k2.ID != store.ID(5) {
		t.Errorf("expected id 5, got %d", k2.ID)
	}
	names := make([]string, 0, len(k2.Properties))
	for _, p := range k2.Properties {
		names = append(names, p.Name)
	}
	if diff := cmp.Diff([]string{"mailboxIds", "keywords/$seen"}, names); diff != "" {
		t.Errorf("property order mismatch (-want +got):\n%s", diff)
	}
	k1, _ := req.Create.Get("k1")
	if k1.ID != store.ID(6) || len(k1.Properties) != 1 {
		t.Errorf("unexpected k1 %+v", k1)
	}

	t.Run("item without id", func(t *testing.T) {
		var bad CopyRequest
		if err := json.Unmarshal([]byte(`{"create":{"k":{"mailboxIds":{}}}}`), &bad); err == nil {
			t.Error("expected error for item without id")
		}
	})
}

func TestAccountOf(t *testing.T) {
	if a, ok := accountOf(accountID(42)); !ok || a != 42 {
		t.Errorf("accountOf(accountID(42)) = %d, %v", a, ok)
	}
	if _, ok := accountOf(store.IDFromParts(1, 42)); ok {
		t.Error("expected prefixed id to be rejected")
	}
}
