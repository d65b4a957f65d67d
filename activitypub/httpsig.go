package activitypub

import (
	"bytes"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"code.superseriousbusiness.org/httpsig"
)

var (
	postSignedHeaders = []string{httpsig.RequestTarget, "host", "date", "digest"}
	getSignedHeaders  = []string{httpsig.RequestTarget, "host", "date"}
)

// Signature is the HTTP signature of a received request, captured at the HTTP
// boundary so it can be verified later by an inbox job.
type Signature struct {
	KeyID     string      `json:"keyId"`
	Algorithm string      `json:"algorithm,omitempty"`
	Headers   []string    `json:"headers"`
	Signature string      `json:"signature"`
	Method    string      `json:"method"`
	Target    string      `json:"target"`
	Header    http.Header `json:"header"`
}

// CaptureSignature extracts the signature of r. The Host header is recorded
// explicitly because net/http moves it out of r.Header.
func CaptureSignature(r *http.Request) (*Signature, error) {
	const op = "CaptureSignature"

	raw := r.Header.Get("Signature")
	if raw == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Signature ") {
			raw = strings.TrimPrefix(auth, "Signature ")
		}
	}
	if raw == "" {
		return nil, authError(op, "request is not signed")
	}

	params := parseSignatureParams(raw)
	sig := &Signature{
		KeyID:     params["keyId"],
		Algorithm: params["algorithm"],
		Signature: params["signature"],
		Method:    r.Method,
		Target:    r.URL.RequestURI(),
		Header:    r.Header.Clone(),
	}
	if sig.KeyID == "" || sig.Signature == "" {
		return nil, authError(op, "signature lacks keyId or signature")
	}
	if h := params["headers"]; h != "" {
		sig.Headers = strings.Fields(strings.ToLower(h))
	} else {
		sig.Headers = []string{"date"}
	}
	sig.Header.Set("Host", r.Host)
	return sig, nil
}

// parseSignatureParams splits `k1="v1",k2="v2"`. Values never contain quotes.
func parseSignatureParams(raw string) map[string]string {
	params := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		params[strings.TrimSpace(k)] = strings.Trim(strings.TrimSpace(v), `"`)
	}
	return params
}

func (s *Signature) signs(header string) bool {
	for _, h := range s.Headers {
		if h == header {
			return true
		}
	}
	return false
}

// request rebuilds a request carrying the captured headers so httpsig can
// recompute the signing string.
func (s *Signature) request() (*http.Request, error) {
	host := s.Header.Get("Host")
	req, err := http.NewRequest(s.Method, "http://"+host+s.Target, nil)
	if err != nil {
		return nil, err
	}
	req.Header = s.Header.Clone()
	req.Host = host
	return req, nil
}

// VerifySignature checks sig against the signer's public key and the request
// body. The request target, host and date must be signed, so a captured
// request cannot be replayed under a fresh Date. A POST must also sign a
// digest of the body.
func VerifySignature(sig *Signature, body []byte, publicKeyPem string) error {
	const op = "VerifySignature"

	for _, h := range []string{httpsig.RequestTarget, "host", "date"} {
		if !sig.signs(h) {
			return authError(op, "signature does not cover %s", h)
		}
	}
	if sig.Method == http.MethodPost {
		if !sig.signs("digest") {
			return authError(op, "signature does not cover digest")
		}
		if err := VerifyDigest(sig.Header.Get("Digest"), body); err != nil {
			return err
		}
	}

	pub, err := ParsePublicKey(publicKeyPem)
	if err != nil {
		return newError(KindAuthentication, op, "unusable public key", err)
	}
	req, err := sig.request()
	if err != nil {
		return newError(KindAuthentication, op, "cannot rebuild request", err)
	}
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return newError(KindAuthentication, op, "malformed signature", err)
	}
	if verifier.KeyId() != sig.KeyID {
		return authError(op, "keyId changed between capture and verification")
	}
	if err := verifier.Verify(pub, httpsig.RSA_SHA256); err != nil {
		return newError(KindAuthentication, op, "signature verification failed", err)
	}
	return nil
}

// VerifyDigest compares a `SHA-256=<base64>` Digest header with body.
func VerifyDigest(header string, body []byte) error {
	const op = "VerifyDigest"
	if header == "" {
		return authError(op, "missing Digest header")
	}
	sum := sha256.Sum256(body)
	want := base64.StdEncoding.EncodeToString(sum[:])
	for _, part := range strings.Split(header, ",") {
		algo, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && strings.EqualFold(algo, "SHA-256") && value == want {
			return nil
		}
	}
	return authError(op, "digest does not match body")
}

// CheckDate rejects requests whose Date header is further than window from now.
func CheckDate(header string, now time.Time, window time.Duration) error {
	const op = "CheckDate"
	if header == "" {
		return authError(op, "missing Date header")
	}
	date, err := http.ParseTime(header)
	if err != nil {
		return authError(op, "unparseable Date header %q", header)
	}
	if d := now.Sub(date); d > window || d < -window {
		return authError(op, "Date header outside the accepted window")
	}
	return nil
}

// SignRequest signs an outgoing request. For a non-nil body the signer also
// sets the Digest header.
// keyId format: "https://example.com/users/alice#main-key"
func SignRequest(req *http.Request, privateKey *rsa.PrivateKey, keyId string, body []byte) error {
	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	if req.Header.Get("Host") == "" {
		req.Header.Set("Host", req.URL.Host)
	}

	headers := getSignedHeaders
	if body != nil {
		headers = postSignedHeaders
	}
	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		headers,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}

	return signer.SignRequest(privateKey, keyId, req, body)
}

// newSignedRequest builds a request and signs it as keyId.
func newSignedRequest(method, target string, body []byte, privateKey *rsa.PrivateKey, keyId string) (*http.Request, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, target, rdr)
	if err != nil {
		return nil, err
	}
	if err := SignRequest(req, privateKey, keyId, body); err != nil {
		return nil, err
	}
	return req, nil
}

// ParsePrivateKey converts PEM string to *rsa.PrivateKey
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key")
	}
	return key, nil
}

// ParsePublicKey converts PEM string to *rsa.PublicKey
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if block.Type == "RSA PUBLIC KEY" {
		return x509.ParsePKCS1PublicKey(block.Bytes)
	}
	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaPubKey, ok := pubKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}

	return rsaPubKey, nil
}
