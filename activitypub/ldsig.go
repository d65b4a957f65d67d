package activitypub

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/piprate/json-gold/ld"
)

const (
	ldSignatureType = "RsaSignature2017"
	identityContext = "https://w3id.org/identity/v1"
)

// LDSignature is the embedded signature object of an activity.
type LDSignature struct {
	Type           string
	Creator        string
	Created        string
	SignatureValue string
}

// extractLDSignature returns the embedded signature of raw, if any.
func extractLDSignature(raw map[string]any) (*LDSignature, bool) {
	m, ok := raw["signature"].(map[string]any)
	if !ok {
		return nil, false
	}
	return &LDSignature{
		Type:           stringField(m, "type"),
		Creator:        stringField(m, "creator"),
		Created:        stringField(m, "created"),
		SignatureValue: stringField(m, "signatureValue"),
	}, true
}

// LDSigner creates and verifies RsaSignature2017 signatures. JSON-LD contexts
// are loaded through a caching loader that only knows a fixed set of URLs.
type LDSigner struct {
	loader *contextLoader
}

// contextLoader refuses every context that is neither preloaded nor one of
// the well-known ones, so a received document cannot make us fetch URLs of
// its choosing.
type contextLoader struct {
	mu      sync.RWMutex
	allowed map[string]bool
	cache   *ld.CachingDocumentLoader
}

func (l *contextLoader) LoadDocument(u string) (*ld.RemoteDocument, error) {
	l.mu.RLock()
	ok := l.allowed[u]
	l.mu.RUnlock()
	if !ok {
		return nil, ld.NewJsonLdError(ld.LoadingDocumentFailed, fmt.Sprintf("context %s is not allowed", u))
	}
	return l.cache.LoadDocument(u)
}

// NewLDSigner uses client to fetch the ActivityStreams, security and identity
// contexts once each when they are not preloaded.
func NewLDSigner(client *http.Client) *LDSigner {
	return &LDSigner{loader: &contextLoader{
		allowed: map[string]bool{
			activityStreamsContext: true,
			securityContext:        true,
			identityContext:        true,
		},
		cache: ld.NewCachingDocumentLoader(ld.NewDefaultDocumentLoader(client)),
	}}
}

// Preload registers a context document so it is never fetched.
func (s *LDSigner) Preload(url string, doc map[string]any) {
	s.loader.mu.Lock()
	s.loader.allowed[url] = true
	s.loader.mu.Unlock()
	s.loader.cache.AddDocument(url, doc)
}

func (s *LDSigner) normalize(doc map[string]any) (string, error) {
	proc := ld.NewJsonLdProcessor()
	opts := ld.NewJsonLdOptions("")
	opts.Format = "application/n-quads"
	opts.Algorithm = "URDNA2015"
	opts.DocumentLoader = s.loader
	out, err := proc.Normalize(doc, opts)
	if err != nil {
		return "", err
	}
	str, ok := out.(string)
	if !ok {
		return "", fmt.Errorf("normalization returned %T", out)
	}
	return str, nil
}

// digest computes sha256(hex(sha256(options)) + hex(sha256(document))).
func (s *LDSigner) digest(doc map[string]any, sig *LDSignature) ([]byte, error) {
	options := map[string]any{
		"@context": identityContext,
		"creator":  sig.Creator,
		"created":  sig.Created,
	}
	normOptions, err := s.normalize(options)
	if err != nil {
		return nil, fmt.Errorf("normalize signature options: %w", err)
	}

	unsigned, err := cloneJSON(doc)
	if err != nil {
		return nil, err
	}
	delete(unsigned, "signature")
	normDoc, err := s.normalize(unsigned)
	if err != nil {
		return nil, fmt.Errorf("normalize document: %w", err)
	}

	optionsHash := sha256.Sum256([]byte(normOptions))
	docHash := sha256.Sum256([]byte(normDoc))
	sum := sha256.Sum256([]byte(hex.EncodeToString(optionsHash[:]) + hex.EncodeToString(docHash[:])))
	return sum[:], nil
}

// cloneJSON deep-copies doc into the generic shapes the JSON-LD processor
// expects.
func cloneJSON(doc map[string]any) (map[string]any, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Verify checks the embedded signature of doc against key.
func (s *LDSigner) Verify(doc map[string]any, key *rsa.PublicKey) error {
	const op = "LDSigner.Verify"

	sig, ok := extractLDSignature(doc)
	if !ok {
		return authError(op, "activity carries no LD signature")
	}
	if sig.Type != ldSignatureType {
		return authError(op, "unsupported LD signature type %q", sig.Type)
	}
	value, err := base64.StdEncoding.DecodeString(sig.SignatureValue)
	if err != nil {
		return newError(KindAuthentication, op, "signatureValue is not base64", err)
	}
	sum, err := s.digest(doc, sig)
	if err != nil {
		return newError(KindAuthentication, op, "cannot canonicalize document", err)
	}
	if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, sum, value); err != nil {
		return newError(KindAuthentication, op, "LD signature verification failed", err)
	}
	return nil
}

// Sign returns a copy of doc carrying an RsaSignature2017 by keyId.
func (s *LDSigner) Sign(doc map[string]any, key *rsa.PrivateKey, keyId string) (map[string]any, error) {
	sig := &LDSignature{
		Type:    ldSignatureType,
		Creator: keyId,
		Created: time.Now().UTC().Format(time.RFC3339),
	}
	sum, err := s.digest(doc, sig)
	if err != nil {
		return nil, err
	}
	value, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, sum)
	if err != nil {
		return nil, err
	}

	signed := make(map[string]any, len(doc)+1)
	for k, v := range doc {
		signed[k] = v
	}
	signed["signature"] = map[string]any{
		"type":           sig.Type,
		"creator":        sig.Creator,
		"created":        sig.Created,
		"signatureValue": base64.StdEncoding.EncodeToString(value),
	}
	return signed, nil
}
