package web

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/deemkeen/stegofed/domain"
)

func TestActorDocument(t *testing.T) {
	s, store, _ := newTestServer(t)
	store.addAccount("alice")
	store.addAccount("instance.actor")

	status, body, header := get(t, s, "/users/alice")
	if status != http.StatusOK {
		t.Fatalf("Expected 200, got %d", status)
	}
	if header.Get("Content-Type") != "application/activity+json; charset=utf-8" {
		t.Errorf("Expected activity+json, got %s", header.Get("Content-Type"))
	}
	if body["id"] != "https://local.example/users/alice" || body["type"] != "Person" {
		t.Errorf("Unexpected actor: %v", body)
	}
	key := body["publicKey"].(map[string]any)
	if key["id"] != "https://local.example/users/alice#main-key" || key["publicKeyPem"] != "PEM" {
		t.Errorf("Unexpected publicKey: %v", key)
	}

	_, instance, _ := get(t, s, "/users/instance.actor")
	if instance["type"] != "Application" {
		t.Errorf("Expected instance actor to be an Application, got %v", instance["type"])
	}
}

func TestActorStatuses(t *testing.T) {
	s, store, _ := newTestServer(t)
	store.addAccount("gone").Suspended = true

	if status, _, _ := get(t, s, "/users/nobody"); status != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown actor, got %d", status)
	}
	if status, _, _ := get(t, s, "/users/gone"); status != http.StatusGone {
		t.Errorf("Expected 410 for suspended actor, got %d", status)
	}
}

func TestNoteObject(t *testing.T) {
	s, store, _ := newTestServer(t)
	alice := store.addAccount("alice")
	now := time.Now()
	public := store.addNote(alice, "hello", domain.VisibilityPublic, now)
	home := store.addNote(alice, "quiet", domain.VisibilityHome, now)
	followers := store.addNote(alice, "friends", domain.VisibilityFollowers, now)
	direct := store.addNote(alice, "psst", domain.VisibilitySpecified, now)

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"public", "/notes/" + public.Id.String(), http.StatusOK},
		{"unlisted", "/notes/" + home.Id.String(), http.StatusOK},
		{"followers only", "/notes/" + followers.Id.String(), http.StatusNotFound},
		{"direct", "/notes/" + direct.Id.String(), http.StatusNotFound},
		{"malformed id", "/notes/not-a-uuid", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body, _ := get(t, s, tt.path)
			if status != tt.status {
				t.Fatalf("Expected status %d, got %d", tt.status, status)
			}
			if status == http.StatusOK && body["attributedTo"] != "https://local.example/users/alice" {
				t.Errorf("Expected note attributed to alice, got %v", body["attributedTo"])
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)
	w := serve(s, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 from /metrics, got %d", w.Code)
	}
}
