package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/josephluck/internote-sub000/internal/syncer"
)

func newStubServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(ClientConfig{
		BaseURL: server.URL,
		Token:   "token-1",
	})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	return server, client
}

func TestClientSendsBearerTokenAndBasis(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	_, client := newStubServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"note_id": "note-1", "title": "x", "content": "{}",
			"updated_at_ms": 500,
		})
	})

	record, err := client.UpdateNote(context.Background(), syncer.RemoteNote{
		NoteID: "note-1", Title: "x", Content: "{}",
	}, 400, true)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if gotAuth != "Bearer token-1" {
		t.Fatalf("expected bearer header, got %q", gotAuth)
	}
	if gotBody["basis_updated_at_ms"].(float64) != 400 {
		t.Fatalf("basis should be sent, got %v", gotBody["basis_updated_at_ms"])
	}
	if gotBody["overwrite"] != true {
		t.Fatalf("overwrite flag should be sent, got %v", gotBody["overwrite"])
	}
	if record.UpdatedAtMs != 500 {
		t.Fatalf("server timestamp should decode, got %d", record.UpdatedAtMs)
	}
}

func TestClientMapsConflictResponse(t *testing.T) {
	_, client := newStubServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": "conflict", "title": "server copy", "updated_at_ms": 900,
		})
	})

	_, err := client.UpdateNote(context.Background(), syncer.RemoteNote{NoteID: "note-1"}, 100, false)
	var conflict *syncer.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict error, got %v", err)
	}
	if conflict.Title != "server copy" || conflict.UpdatedAtMs != 900 {
		t.Fatalf("conflict should carry server state, got %+v", conflict)
	}
}

func TestClientMapsValidationRejection(t *testing.T) {
	_, client := newStubServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "validation_failure"})
	})

	_, err := client.CreateNote(context.Background(), syncer.RemoteNote{NoteID: "note-1"})
	if !errors.Is(err, syncer.ErrValidationRejected) {
		t.Fatalf("expected validation rejection, got %v", err)
	}

	_, err = client.UpdateNote(context.Background(), syncer.RemoteNote{NoteID: "note-1"}, 100, false)
	if !errors.Is(err, syncer.ErrValidationRejected) {
		t.Fatalf("expected validation rejection, got %v", err)
	}
}

func TestClientMapsNotFoundOnGet(t *testing.T) {
	_, client := newStubServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := client.GetNote(context.Background(), "ghost")
	if !errors.Is(err, syncer.ErrNoteNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestClientTreatsDeleteNotFoundAsSuccess(t *testing.T) {
	_, client := newStubServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	if err := client.DeleteNote(context.Background(), "ghost"); err != nil {
		t.Fatalf("replayed delete must succeed on 404, got %v", err)
	}
}

func TestClientSurfacesServerFailuresAsTransportErrors(t *testing.T) {
	_, client := newStubServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	if _, err := client.CreateNote(context.Background(), syncer.RemoteNote{NoteID: "note-1"}); err == nil {
		t.Fatalf("expected transport error")
	}
}

func TestClientListNotesDecodesEnvelope(t *testing.T) {
	_, client := newStubServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"notes": []map[string]any{
				{"note_id": "note-1", "title": "a", "content": "{}", "updated_at_ms": 100},
				{"note_id": "note-2", "title": "b", "content": "{}", "updated_at_ms": 200},
			},
		})
	})

	records, err := client.ListNotes(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(records) != 2 || records[1].NoteID != "note-2" {
		t.Fatalf("unexpected records %v", records)
	}
}

func TestWatchWakesOnEachEvent(t *testing.T) {
	_, client := newStubServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("event: note-change\ndata: {\"note_ids\":[\"note-1\"]}\n\n"))
		_, _ = w.Write([]byte("event: note-change\ndata: {\"note_ids\":[\"note-2\"]}\n\n"))
	})

	wakes := 0
	if err := client.Watch(context.Background(), func() { wakes++ }); err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	if wakes != 2 {
		t.Fatalf("expected 2 wake signals, got %d", wakes)
	}
}

func TestNewClientValidatesConfiguration(t *testing.T) {
	if _, err := NewClient(ClientConfig{Token: "t"}); err == nil {
		t.Fatalf("expected missing base url rejection")
	}
	if _, err := NewClient(ClientConfig{BaseURL: "http://localhost"}); err == nil {
		t.Fatalf("expected missing token rejection")
	}
}
