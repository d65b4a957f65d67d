package activitypub

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"code.superseriousbusiness.org/httpsig"
)

// calculateDigest calculates SHA-256 digest for request body
func calculateDigest(body []byte) string {
	hash := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(hash[:])
}

func TestParsePrivateKey(t *testing.T) {
	privateKey, _ := testKeys(t)

	parsed, err := ParsePrivateKey(privateKeyToPEM(privateKey))
	if err != nil {
		t.Fatalf("ParsePrivateKey failed: %v", err)
	}
	if parsed.N.Cmp(privateKey.N) != 0 {
		t.Error("Parsed key doesn't match original")
	}
}

func TestParseKeysInvalidPEM(t *testing.T) {
	for _, input := range []string{"", "not a valid PEM"} {
		if _, err := ParsePrivateKey(input); err == nil {
			t.Errorf("Expected private key error for %q", input)
		}
		if _, err := ParsePublicKey(input); err == nil {
			t.Errorf("Expected public key error for %q", input)
		}
	}
}

func TestParsePublicKey(t *testing.T) {
	privateKey, _ := testKeys(t)

	parsed, err := ParsePublicKey(publicKeyToPEM(&privateKey.PublicKey))
	if err != nil {
		t.Fatalf("ParsePublicKey failed: %v", err)
	}
	if parsed.N.Cmp(privateKey.PublicKey.N) != 0 {
		t.Error("Parsed key doesn't match original")
	}
}

func TestSignRequestAddsHeaders(t *testing.T) {
	privateKey, _ := testKeys(t)
	body := []byte(`{"type":"Follow"}`)

	req, err := newSignedRequest(http.MethodPost, "https://remote.example/inbox", body, privateKey, "https://local.example/users/alice#main-key")
	if err != nil {
		t.Fatalf("newSignedRequest failed: %v", err)
	}
	if req.Header.Get("Date") == "" {
		t.Error("Expected Date header")
	}
	if got := req.Header.Get("Digest"); got != calculateDigest(body) {
		t.Errorf("Expected digest %s, got %s", calculateDigest(body), got)
	}
	sig := req.Header.Get("Signature")
	if !strings.Contains(sig, `keyId="https://local.example/users/alice#main-key"`) {
		t.Errorf("Expected keyId in signature, got %s", sig)
	}
	if !strings.Contains(sig, "(request-target) host date digest") {
		t.Errorf("Expected POST headers to be signed, got %s", sig)
	}

	get, err := newSignedRequest(http.MethodGet, "https://remote.example/users/bob", nil, privateKey, "https://local.example/users/alice#main-key")
	if err != nil {
		t.Fatalf("newSignedRequest failed: %v", err)
	}
	if get.Header.Get("Digest") != "" {
		t.Error("Expected no digest on a GET")
	}
}

func TestVerifySignature(t *testing.T) {
	privateKey, otherKey := testKeys(t)
	body := []byte(`{"type":"Create"}`)
	keyID := "https://remote.example/users/bob#main-key"
	sig := signedInbox(t, privateKey, keyID, body)

	if sig.KeyID != keyID {
		t.Errorf("Expected keyId %s, got %s", keyID, sig.KeyID)
	}
	if err := VerifySignature(sig, body, publicKeyToPEM(&privateKey.PublicKey)); err != nil {
		t.Errorf("Expected valid signature, got %v", err)
	}

	if err := VerifySignature(sig, body, publicKeyToPEM(&otherKey.PublicKey)); !IsKind(err, KindAuthentication) {
		t.Errorf("Expected authentication error for wrong key, got %v", err)
	}
	if err := VerifySignature(sig, []byte(`{"type":"Delete"}`), publicKeyToPEM(&privateKey.PublicKey)); !IsKind(err, KindAuthentication) {
		t.Errorf("Expected authentication error for changed body, got %v", err)
	}
}

func TestVerifySignatureSurvivesQueueRoundTrip(t *testing.T) {
	privateKey, _ := testKeys(t)
	body := []byte(`{"type":"Create"}`)
	sig := signedInbox(t, privateKey, "https://remote.example/users/bob#main-key", body)

	stored, err := json.Marshal(sig)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var restored Signature
	if err := json.Unmarshal(stored, &restored); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if err := VerifySignature(&restored, body, publicKeyToPEM(&privateKey.PublicKey)); err != nil {
		t.Errorf("Expected stored signature to verify, got %v", err)
	}
}

func TestVerifySignatureRequiresDigest(t *testing.T) {
	privateKey, _ := testKeys(t)
	body := []byte(`{"type":"Create"}`)
	sig := signedInbox(t, privateKey, "https://remote.example/users/bob#main-key", body)
	sig.Headers = []string{"(request-target)", "host", "date"}

	if err := VerifySignature(sig, body, publicKeyToPEM(&privateKey.PublicKey)); !IsKind(err, KindAuthentication) {
		t.Errorf("Expected authentication error without signed digest, got %v", err)
	}
}

func TestVerifySignatureRequiresSignedDateAndHost(t *testing.T) {
	privateKey, _ := testKeys(t)
	body := []byte(`{"type":"Create"}`)
	keyID := "https://remote.example/users/bob#main-key"

	tests := []struct {
		name    string
		headers []string
	}{
		{"no date", []string{httpsig.RequestTarget, "host", "digest"}},
		{"no host", []string{httpsig.RequestTarget, "date", "digest"}},
		{"no request target", []string{"host", "date", "digest"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodPost, "https://local.example/inbox", bytes.NewReader(body))
			req.Header.Set("Host", "local.example")
			req.Header.Set("Date", time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC).Format(http.TimeFormat))
			signer, _, err := httpsig.NewSigner([]httpsig.Algorithm{httpsig.RSA_SHA256}, httpsig.DigestSha256, tt.headers, httpsig.Signature, 0)
			if err != nil {
				t.Fatalf("NewSigner failed: %v", err)
			}
			if err := signer.SignRequest(privateKey, keyID, req, body); err != nil {
				t.Fatalf("SignRequest failed: %v", err)
			}
			// An unsigned Date can be swapped for a current one.
			req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))

			sig, err := CaptureSignature(req)
			if err != nil {
				t.Fatalf("CaptureSignature failed: %v", err)
			}
			if err := VerifySignature(sig, body, publicKeyToPEM(&privateKey.PublicKey)); !IsKind(err, KindAuthentication) {
				t.Errorf("Expected authentication error, got %v", err)
			}
		})
	}
}

func TestCaptureSignature(t *testing.T) {
	req, _ := http.NewRequest(http.MethodPost, "https://local.example/inbox", nil)
	if _, err := CaptureSignature(req); !IsKind(err, KindAuthentication) {
		t.Errorf("Expected unsigned request to be rejected, got %v", err)
	}

	req.Header.Set("Authorization", `Signature keyId="https://remote.example/users/bob#main-key",algorithm="rsa-sha256",headers="(request-target) Host Date",signature="c2ln"`)
	sig, err := CaptureSignature(req)
	if err != nil {
		t.Fatalf("CaptureSignature failed: %v", err)
	}
	if sig.KeyID != "https://remote.example/users/bob#main-key" || sig.Signature != "c2ln" {
		t.Errorf("Unexpected signature fields: %+v", sig)
	}
	if strings.Join(sig.Headers, " ") != "(request-target) host date" {
		t.Errorf("Expected lower-cased header list, got %v", sig.Headers)
	}
	if sig.Header.Get("Host") != "local.example" {
		t.Errorf("Expected captured host, got %s", sig.Header.Get("Host"))
	}
}

func TestVerifyDigest(t *testing.T) {
	body := []byte("hello")
	tests := []struct {
		name   string
		header string
		valid  bool
	}{
		{"matching", calculateDigest(body), true},
		{"lower-case algorithm", "sha-256=" + strings.TrimPrefix(calculateDigest(body), "SHA-256="), true},
		{"one of several", "SHA-512=abc, " + calculateDigest(body), true},
		{"missing", "", false},
		{"wrong body", calculateDigest([]byte("other")), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyDigest(tt.header, body)
			if tt.valid && err != nil {
				t.Errorf("Expected valid digest, got %v", err)
			}
			if !tt.valid && err == nil {
				t.Error("Expected digest error")
			}
		})
	}
}

func TestCheckDate(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	window := 12 * time.Hour
	tests := []struct {
		name   string
		header string
		valid  bool
	}{
		{"now", now.Format(http.TimeFormat), true},
		{"within window", now.Add(-11 * time.Hour).Format(http.TimeFormat), true},
		{"too old", now.Add(-13 * time.Hour).Format(http.TimeFormat), false},
		{"too far ahead", now.Add(13 * time.Hour).Format(http.TimeFormat), false},
		{"missing", "", false},
		{"garbage", "yesterday", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckDate(tt.header, now, window)
			if tt.valid != (err == nil) {
				t.Errorf("Expected valid=%v, got %v", tt.valid, err)
			}
		})
	}
}
