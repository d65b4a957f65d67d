package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/stegofed/activitypub"
	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const testDomain = "local.example"

var testLinks = activitypub.Links{Domain: testDomain}

type fakeStore struct {
	accounts  map[string]*domain.Account
	notes     []domain.Note
	followers map[uuid.UUID]int
	following map[uuid.UUID]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts:  map[string]*domain.Account{},
		followers: map[uuid.UUID]int{},
		following: map[uuid.UUID]int{},
	}
}

func (s *fakeStore) addAccount(username string) *domain.Account {
	acc := &domain.Account{Id: uuid.New(), Username: username, CreatedAt: time.Now(), WebPublicKey: "PEM"}
	s.accounts[username] = acc
	return acc
}

func (s *fakeStore) addNote(acc *domain.Account, message string, visibility domain.Visibility, at time.Time) domain.Note {
	note := domain.Note{Id: uuid.New(), UserId: acc.Id, CreatedBy: acc.Username, Message: message, Visibility: visibility, CreatedAt: at}
	s.notes = append(s.notes, note)
	return note
}

func (s *fakeStore) ReadAccByUsername(ctx context.Context, username string) (*domain.Account, error) {
	return s.accounts[username], nil
}

func (s *fakeStore) ReadActiveAccounts(ctx context.Context) ([]domain.Account, error) {
	var out []domain.Account
	for _, acc := range s.accounts {
		if !acc.Suspended {
			out = append(out, *acc)
		}
	}
	return out, nil
}

func (s *fakeStore) ReadNoteById(ctx context.Context, id uuid.UUID) (*domain.Note, error) {
	for i := range s.notes {
		if s.notes[i].Id == id {
			return &s.notes[i], nil
		}
	}
	return nil, nil
}

func (s *fakeStore) publicNotes(userId uuid.UUID) []domain.Note {
	var out []domain.Note
	for _, n := range s.notes {
		if n.UserId == userId && (n.Visibility == domain.VisibilityPublic || n.Visibility == domain.VisibilityHome) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (s *fakeStore) ReadPublicNotesByUserId(ctx context.Context, userId uuid.UUID, limit, offset int) ([]domain.Note, error) {
	notes := s.publicNotes(userId)
	if offset >= len(notes) {
		return nil, nil
	}
	notes = notes[offset:]
	if len(notes) > limit {
		notes = notes[:limit]
	}
	return notes, nil
}

func (s *fakeStore) CountPublicNotesByUserId(ctx context.Context, userId uuid.UUID) (int, error) {
	return len(s.publicNotes(userId)), nil
}

func (s *fakeStore) CountFollowers(ctx context.Context, accountId uuid.UUID) (int, error) {
	return s.followers[accountId], nil
}

func (s *fakeStore) CountFollowing(ctx context.Context, accountId uuid.UUID) (int, error) {
	return s.following[accountId], nil
}

type queuedDelivery struct {
	sig  *activitypub.Signature
	body []byte
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []queuedDelivery
}

func (q *fakeQueue) EnqueueInboxJob(ctx context.Context, sig *activitypub.Signature, body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, queuedDelivery{sig: sig, body: body})
	return nil
}

func testConf() *util.AppConfig {
	conf := &util.AppConfig{}
	conf.Conf.SslDomain = testDomain
	conf.Federation.DateWindow = time.Hour
	return conf
}

func newTestServer(t *testing.T) (*Server, *fakeStore, *fakeQueue) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := newFakeStore()
	queue := &fakeQueue{}
	logger := log.New(io.Discard)
	return NewServer(store, queue, testLinks, testConf(), logger), store, queue
}

// get performs a GET and decodes a JSON response.
func get(t *testing.T, s *Server, target string) (int, map[string]any, http.Header) {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	s.Handler().ServeHTTP(w, req)

	var body map[string]any
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("Response to %s is not JSON: %v (%s)", target, err, w.Body.String())
		}
	}
	return w.Code, body, w.Header()
}
