package statesync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/himscore/statesync/internal/state"
	"github.com/himscore/statesync/internal/storage"
)

func discardLogf(string, ...any) {}

func patientsSlice() state.Slice {
	return state.Slice{
		Name:    "patients",
		Initial: []any{},
		Reduce: func(current any, action state.Action) any {
			switch action.Type {
			case "patients/fetch/succeeded":
				if body, ok := action.Payload.(map[string]any); ok {
					if list, ok := body["patients"].([]any); ok {
						return list
					}
				}
				return current
			case "patients/update/succeeded":
				list, _ := current.([]any)
				update, ok := action.Payload.(map[string]any)
				if !ok {
					return current
				}
				next := make([]any, 0, len(list)+1)
				replaced := false
				for _, item := range list {
					if entry, ok := item.(map[string]any); ok && entry["id"] == update["id"] {
						next = append(next, update)
						replaced = true
						continue
					}
					next = append(next, item)
				}
				if !replaced {
					next = append(next, update)
				}
				return next
			default:
				return current
			}
		},
	}
}

func auditSlice() state.Slice {
	return state.Slice{
		Name:    "audit",
		Initial: []any{},
		Reduce: func(current any, action state.Action) any {
			list, _ := current.([]any)
			return append(append([]any{}, list...), action.Type)
		},
	}
}

func waitRehydrated(t *testing.T, store *Store) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, store.WaitRehydrated(ctx))
}

func TestFetchRetriesThenPersistsWhitelistedSlices(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"patients":[{"id":"1"}]}`))
	}))
	defer server.Close()

	engine := storage.NewMemoryEngine()
	store, err := CreateStore(Config{
		Slices:    []state.Slice{patientsSlice(), auditSlice()},
		Engine:    engine,
		Namespace: "hims",
		Whitelist: []string{"patients"},
		Blacklist: []string{"audit"},
		Version:   1,
		BaseURL:   server.URL,
		BaseDelay: time.Millisecond,
		Domains:   []DomainBinding{{Domain: "patients", Path: "/api/patients"}},
		Logf:      discardLogf,
	})
	require.NoError(t, err)
	waitRehydrated(t, store)

	var mu sync.Mutex
	var terminals []string
	succeeded := make(chan struct{}, 4)
	unsubscribe := store.Subscribe(func(action state.Action, _ map[string]any) {
		switch action.Type {
		case "patients/fetch/succeeded", "patients/fetch/failed":
			mu.Lock()
			terminals = append(terminals, action.Type)
			mu.Unlock()
			succeeded <- struct{}{}
		}
	})
	defer unsubscribe()

	store.DispatchIntent("patients", "fetch", nil)
	select {
	case <-succeeded:
	case <-time.After(5 * time.Second):
		t.Fatalf("fetch never reached a terminal")
	}
	// Exactly one terminal per intent, even across retries.
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"patients/fetch/succeeded"}, terminals)
	mu.Unlock()
	assert.EqualValues(t, 3, requests.Load(), "two 503s then success")

	patients := store.GetState()["patients"].([]any)
	require.Len(t, patients, 1)
	assert.Equal(t, "1", patients[0].(map[string]any)["id"])

	store.Close()

	raw, ok, err := engine.GetItem(context.Background(), "hims")
	require.NoError(t, err)
	require.True(t, ok, "envelope must be flushed on close")
	var envelope map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &envelope))
	assert.Contains(t, envelope, "_persist")
	assert.Contains(t, envelope, "patients")
	assert.NotContains(t, envelope, "audit", "blacklisted slices never reach storage")
}

func TestRestartRehydratesWhitelistedState(t *testing.T) {
	engine := storage.NewMemoryEngine()
	build := func() *Store {
		store, err := CreateStore(Config{
			Slices:    []state.Slice{patientsSlice(), auditSlice()},
			Engine:    engine,
			Namespace: "hims",
			Whitelist: []string{"patients"},
			Blacklist: []string{"audit"},
			Version:   1,
			Logf:      discardLogf,
		})
		require.NoError(t, err)
		waitRehydrated(t, store)
		return store
	}

	first := build()
	first.Dispatch(state.Action{
		Type:    "patients/fetch/succeeded",
		Payload: map[string]any{"patients": []any{map[string]any{"id": "7"}}},
	})
	first.Close()

	second := build()
	defer second.Close()

	patients := second.GetState()["patients"].([]any)
	require.Len(t, patients, 1)
	assert.Equal(t, "7", patients[0].(map[string]any)["id"])
	assert.Empty(t, second.GetState()["audit"], "blacklisted slices restart from initial state")
}

func TestConcurrentUpdatesBothLand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}))
	defer server.Close()

	store, err := CreateStore(Config{
		Slices:    []state.Slice{patientsSlice()},
		Engine:    storage.NewMemoryEngine(),
		BaseURL:   server.URL,
		BaseDelay: time.Millisecond,
		Domains:   []DomainBinding{{Domain: "patients", Path: "/api/patients"}},
		Logf:      discardLogf,
	})
	require.NoError(t, err)
	defer store.Close()
	waitRehydrated(t, store)

	done := make(chan struct{}, 2)
	unsubscribe := store.Subscribe(func(action state.Action, _ map[string]any) {
		if action.Type == "patients/update/succeeded" {
			done <- struct{}{}
		}
	})
	defer unsubscribe()

	store.DispatchIntent("patients", "update", map[string]any{"id": "1", "name": "Ada"})
	store.DispatchIntent("patients", "update", map[string]any{"id": "2", "name": "Grace"})
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("update %d never completed", i)
		}
	}

	patients := store.GetState()["patients"].([]any)
	assert.Len(t, patients, 2, "concurrent updates must not lose writes")
}

func TestUnauthorizedClearsCredentials(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	store, err := CreateStore(Config{
		Slices:    []state.Slice{patientsSlice()},
		Engine:    storage.NewMemoryEngine(),
		BaseURL:   server.URL,
		BaseDelay: time.Millisecond,
		Domains:   []DomainBinding{{Domain: "patients", Path: "/api/patients"}},
		Logf:      discardLogf,
	})
	require.NoError(t, err)
	defer store.Close()
	waitRehydrated(t, store)

	store.Credentials().Set("expired-token")

	failed := make(chan state.Action, 1)
	unsubscribe := store.Subscribe(func(action state.Action, _ map[string]any) {
		if action.Type == "patients/fetch/failed" {
			failed <- action
		}
	})
	defer unsubscribe()

	store.DispatchIntent("patients", "fetch", nil)
	select {
	case <-failed:
	case <-time.After(5 * time.Second):
		t.Fatalf("fetch never failed")
	}

	_, ok := store.Credentials().Token()
	assert.False(t, ok, "401 invalidates the credential slot")
}

func TestCreateStoreValidation(t *testing.T) {
	_, err := CreateStore(Config{Engine: storage.NewMemoryEngine(), Logf: discardLogf})
	assert.Error(t, err, "slices are required")

	_, err = CreateStore(Config{
		Slices:       []state.Slice{patientsSlice()},
		PlatformHint: "mainframe",
		Logf:         discardLogf,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrUnknownHint)
}
