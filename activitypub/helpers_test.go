package activitypub

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/stegofed/db"
	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
)

const testDomain = "local.example"

var testLinks = Links{Domain: testDomain}

var (
	keysOnce sync.Once
	keyA     *rsa.PrivateKey
	keyB     *rsa.PrivateKey
)

// testKeys returns two RSA keys shared by all tests of the package.
func testKeys(t *testing.T) (*rsa.PrivateKey, *rsa.PrivateKey) {
	t.Helper()
	keysOnce.Do(func() {
		var err error
		if keyA, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			panic(err)
		}
		if keyB, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			panic(err)
		}
	})
	return keyA, keyB
}

// privateKeyToPEM converts private key to PEM string
func privateKeyToPEM(key *rsa.PrivateKey) string {
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))
}

// publicKeyToPEM converts public key to PEM string
func publicKeyToPEM(key *rsa.PublicKey) string {
	keyBytes, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		panic(err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: keyBytes}))
}

func testLogger() *log.Logger {
	return log.New(io.Discard)
}

// setupStore creates an in-memory SQLite database for testing
func setupStore(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	if err := store.RunMigrations(context.Background()); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func createLocalAccount(t *testing.T, store *db.DB, username string) *domain.Account {
	t.Helper()
	key, _ := testKeys(t)
	acc, err := store.CreateAccount(context.Background(), username, &util.RsaKeyPair{
		Private: privateKeyToPEM(key),
		Public:  publicKeyToPEM(&key.PublicKey),
	})
	if err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	return acc
}

// fakeFetcher serves documents from a map. Values may be a document, raw
// bytes or an error; unknown URLs answer 404.
type fakeFetcher struct {
	mu    sync.Mutex
	docs  map[string]any
	calls map[string]int
	delay time.Duration
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{docs: make(map[string]any), calls: make(map[string]int)}
}

func (f *fakeFetcher) set(url string, v any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[url] = v
}

func (f *fakeFetcher) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *fakeFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeFetcher) Get(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	f.calls[url]++
	v, ok := f.docs[url]
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !ok {
		return nil, &StatusError{Code: http.StatusNotFound, URL: url}
	}
	switch t := v.(type) {
	case error:
		return nil, t
	case []byte:
		return t, nil
	}
	return json.Marshal(v)
}

// actorDoc renders a remote actor whose key is key.
func actorDoc(uri string, key *rsa.PrivateKey) map[string]any {
	host := util.HostOf(uri)
	name := uri[strings.LastIndex(uri, "/")+1:]
	return map[string]any{
		"@context":          []any{activityStreamsContext, securityContext},
		"id":                uri,
		"type":              "Person",
		"preferredUsername": name,
		"name":              strings.ToUpper(name),
		"inbox":             uri + "/inbox",
		"outbox":            uri + "/outbox",
		"followers":         uri + "/followers",
		"endpoints":         map[string]any{"sharedInbox": "https://" + host + "/inbox"},
		"publicKey": map[string]any{
			"id":           uri + "#main-key",
			"owner":        uri,
			"publicKeyPem": publicKeyToPEM(&key.PublicKey),
		},
	}
}

func noteDoc(uri, author string) map[string]any {
	return map[string]any{
		"id":           uri,
		"type":         "Note",
		"attributedTo": author,
		"content":      "<p>hello</p>",
		"published":    "2024-05-01T10:00:00Z",
		"to":           []any{publicCollection},
		"cc":           []any{author + "/followers"},
	}
}

// blockPolicy blocks a fixed set of hosts and skips nothing else.
type blockPolicy struct {
	blocked map[string]bool
	skipped map[string]bool
}

func (p *blockPolicy) IsHostBlocked(ctx context.Context, host string) bool {
	return p.blocked[host]
}

func (p *blockPolicy) SkippedHosts(ctx context.Context, hosts []string) ([]string, error) {
	var out []string
	for _, h := range hosts {
		if p.blocked[h] || p.skipped[h] {
			out = append(out, h)
		}
	}
	return out, nil
}

func newTestResolver(store Store, fetcher Fetcher, policy HostPolicy) *Resolver {
	if policy == nil {
		policy = &blockPolicy{}
	}
	return NewResolver(store, fetcher, policy, NewActorCache(time.Minute, nil), testLinks, 2, testLogger())
}

// signedInbox builds the signature a remote server would attach when posting
// body to our shared inbox as keyId.
func signedInbox(t *testing.T, key *rsa.PrivateKey, keyId string, body []byte) *Signature {
	t.Helper()
	req, err := newSignedRequest(http.MethodPost, "https://"+testDomain+"/inbox", body, key, keyId)
	if err != nil {
		t.Fatalf("Failed to sign request: %v", err)
	}
	req.Host = testDomain
	req.Header.Del("Host")
	sig, err := CaptureSignature(req)
	if err != nil {
		t.Fatalf("CaptureSignature failed: %v", err)
	}
	return sig
}

// offlineTransport fails every request; tests never touch the network.
type offlineTransport struct{}

func (offlineTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return nil, &StatusError{Code: http.StatusServiceUnavailable, URL: req.URL.String()}
}

// recordingTransport fails every request and remembers what was asked for.
type recordingTransport struct {
	mu   sync.Mutex
	urls []string
}

func (t *recordingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.mu.Lock()
	t.urls = append(t.urls, req.URL.String())
	t.mu.Unlock()
	return offlineTransport{}.RoundTrip(req)
}

// testLDSigner preloads minimal versions of the contexts used in signed
// activities.
func testLDSigner() *LDSigner {
	return testLDSignerWith(offlineTransport{})
}

func testLDSignerWith(rt http.RoundTripper) *LDSigner {
	s := NewLDSigner(&http.Client{Transport: rt})
	vocab := func(v string) map[string]any {
		return map[string]any{"@context": map[string]any{"@vocab": v, "id": "@id", "type": "@type"}}
	}
	s.Preload(activityStreamsContext, vocab("https://www.w3.org/ns/activitystreams#"))
	s.Preload(securityContext, vocab("https://w3id.org/security#"))
	s.Preload(identityContext, vocab("https://w3id.org/identity#"))
	return s
}

func kindOf(t *testing.T, err error, want Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("Expected %s error, got nil", want)
	}
	if got := KindOf(err); got != want {
		t.Errorf("Expected %s error, got %s (%v)", want, got, err)
	}
}
