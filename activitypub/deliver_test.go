package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"testing"

	"github.com/deemkeen/stegofed/domain"
	"github.com/google/uuid"
)

type fakeDirectory struct {
	everyone  []string
	followers []domain.FollowerInbox
}

func (d *fakeDirectory) SharedInboxesOfEveryone(ctx context.Context) ([]string, error) {
	return d.everyone, nil
}

func (d *fakeDirectory) FollowerInboxesOf(ctx context.Context, accountId uuid.UUID) ([]domain.FollowerInbox, error) {
	return d.followers, nil
}

type enqueued struct {
	actor   string
	payload []byte
	inboxes []string
}

type recordingEnqueuer struct {
	mu   sync.Mutex
	jobs []enqueued
}

func (e *recordingEnqueuer) EnqueueDeliver(ctx context.Context, actor *domain.Account, payload []byte, inboxes []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jobs = append(e.jobs, enqueued{actor: actor.Username, payload: payload, inboxes: inboxes})
	return nil
}

func TestBuildRecipes(t *testing.T) {
	dir := &fakeDirectory{
		everyone: []string{"https://a.example/inbox", "https://b.example/inbox"},
		followers: []domain.FollowerInbox{
			{ActorURI: "https://a.example/users/1", InboxURI: "https://a.example/users/1/inbox", SharedInboxURI: "https://a.example/inbox"},
			{ActorURI: "https://a.example/users/2", InboxURI: "https://a.example/users/2/inbox", SharedInboxURI: "https://a.example/inbox"},
			{ActorURI: "https://c.example/users/3", InboxURI: "https://c.example/users/3/inbox"},
			{ActorURI: "https://local.example/users/x", InboxURI: "https://local.example/users/x/inbox"},
			{ActorURI: "https://d.example/users/4", InboxURI: "https://d.example/users/4/inbox"},
		},
	}
	policy := &blockPolicy{blocked: map[string]bool{}, skipped: map[string]bool{"d.example": true}}
	manager := NewDeliverManager(dir, policy, &recordingEnqueuer{}, testLinks, testLogger())
	actor := &domain.Account{Id: uuid.New(), Username: "alice"}

	sharedDirect := &domain.RemoteAccount{InboxURI: "https://a.example/users/9/inbox", SharedInboxURI: "https://a.example/inbox"}
	soloDirect := &domain.RemoteAccount{InboxURI: "https://e.example/users/5/inbox", SharedInboxURI: "https://e.example/inbox"}

	tests := []struct {
		name     string
		recipes  []Recipe
		expected []string
	}{
		{
			name:     "followers sharing an inbox get one delivery",
			recipes:  []Recipe{Followers{}},
			expected: []string{"https://a.example/inbox", "https://c.example/users/3/inbox"},
		},
		{
			name:     "everyone and followers are deduplicated",
			recipes:  []Recipe{Everyone{}, Followers{}},
			expected: []string{"https://a.example/inbox", "https://b.example/inbox", "https://c.example/users/3/inbox"},
		},
		{
			name:     "direct recipient covered by a shared inbox",
			recipes:  []Recipe{Followers{}, Direct{Target: sharedDirect}},
			expected: []string{"https://a.example/inbox", "https://c.example/users/3/inbox"},
		},
		{
			name:     "direct recipient alone uses its own inbox",
			recipes:  []Recipe{Direct{Target: soloDirect}},
			expected: []string{"https://e.example/users/5/inbox"},
		},
		{
			name:     "direct recipient order does not matter",
			recipes:  []Recipe{Direct{Target: sharedDirect}, Followers{}},
			expected: []string{"https://a.example/inbox", "https://c.example/users/3/inbox"},
		},
		{
			name:     "no recipes",
			recipes:  nil,
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := manager.Build(context.Background(), actor, tt.recipes)
			if err != nil {
				t.Fatalf("Build failed: %v", err)
			}
			if len(got) == 0 && len(tt.expected) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("Expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestBuildDropsBlockedHosts(t *testing.T) {
	dir := &fakeDirectory{everyone: []string{"https://a.example/inbox", "https://evil.example/inbox", "ftp://b.example/inbox"}}
	policy := &blockPolicy{blocked: map[string]bool{"evil.example": true}}
	manager := NewDeliverManager(dir, policy, &recordingEnqueuer{}, testLinks, testLogger())

	got, err := manager.Build(context.Background(), &domain.Account{Id: uuid.New()}, []Recipe{Everyone{}})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(got) != 1 || got[0] != "https://a.example/inbox" {
		t.Errorf("Expected only a.example, got %v", got)
	}
}

func TestDeliverEnqueuesOnce(t *testing.T) {
	dir := &fakeDirectory{followers: []domain.FollowerInbox{
		{InboxURI: "https://a.example/users/1/inbox", SharedInboxURI: "https://a.example/inbox"},
		{InboxURI: "https://b.example/users/2/inbox"},
	}}
	queue := &recordingEnqueuer{}
	manager := NewDeliverManager(dir, &blockPolicy{}, queue, testLinks, testLogger())
	actor := &domain.Account{Id: uuid.New(), Username: "alice"}

	activity := map[string]any{"id": "https://local.example/activities/1", "type": "Create"}
	if err := manager.DeliverToFollowers(context.Background(), actor, activity); err != nil {
		t.Fatalf("DeliverToFollowers failed: %v", err)
	}
	if len(queue.jobs) != 1 {
		t.Fatalf("Expected one enqueue call, got %d", len(queue.jobs))
	}
	job := queue.jobs[0]
	if len(job.inboxes) != 2 {
		t.Errorf("Expected 2 inboxes, got %v", job.inboxes)
	}
	var decoded map[string]any
	if err := json.Unmarshal(job.payload, &decoded); err != nil || decoded["type"] != "Create" {
		t.Errorf("Expected the activity as payload, got %s", job.payload)
	}

	// Nobody to deliver to: nothing is queued.
	empty := NewDeliverManager(&fakeDirectory{}, &blockPolicy{}, queue, testLinks, testLogger())
	if err := empty.DeliverToEveryone(context.Background(), actor, activity); err != nil {
		t.Fatalf("DeliverToEveryone failed: %v", err)
	}
	if len(queue.jobs) != 1 {
		t.Errorf("Expected no new enqueue, got %d", len(queue.jobs))
	}
}

func TestDelivererSignsRequests(t *testing.T) {
	key, _ := testKeys(t)
	acc := &domain.Account{Username: "alice", WebPrivateKey: privateKeyToPEM(key)}
	body := []byte(`{"type":"Create"}`)

	var verifyErr error
	var gotBody []byte
	var contentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		contentType = r.Header.Get("Content-Type")
		sig, err := CaptureSignature(r)
		if err == nil {
			err = VerifySignature(sig, gotBody, publicKeyToPEM(&key.PublicKey))
		}
		if err == nil && sig.KeyID != testLinks.Key("alice") {
			err = authError("test", "unexpected keyId %s", sig.KeyID)
		}
		verifyErr = err
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	d := NewDeliverer(server.Client(), "stegofed-test", testLinks)
	status, err := d.Post(context.Background(), acc, server.URL+"/inbox", body)
	if err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	if status != http.StatusAccepted {
		t.Errorf("Expected status 202, got %d", status)
	}
	if verifyErr != nil {
		t.Errorf("Expected verifiable signature, got %v", verifyErr)
	}
	if string(gotBody) != string(body) {
		t.Errorf("Expected body %s, got %s", body, gotBody)
	}
	if contentType != "application/activity+json" {
		t.Errorf("Expected activity+json content type, got %s", contentType)
	}
}

func TestDelivererReportsStatus(t *testing.T) {
	key, _ := testKeys(t)
	acc := &domain.Account{Username: "alice", WebPrivateKey: privateKeyToPEM(key)}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer server.Close()

	status, err := NewDeliverer(server.Client(), "ua", testLinks).Post(context.Background(), acc, server.URL+"/inbox", []byte("{}"))
	if status != http.StatusGone {
		t.Errorf("Expected status 410, got %d", status)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusGone {
		t.Errorf("Expected StatusError 410, got %v", err)
	}
}
