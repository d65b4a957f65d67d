package activitypub

import (
	"testing"
)

func TestLDSignAndVerify(t *testing.T) {
	key, other := testKeys(t)
	s := testLDSigner()
	doc := newActivity("Create", "https://remote.example/activities/1", bobURI, noteDoc("https://remote.example/notes/1", bobURI))

	signed, err := s.Sign(doc, key, bobKey)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if _, ok := doc["signature"]; ok {
		t.Error("Expected Sign to leave its input untouched")
	}
	sig, ok := extractLDSignature(signed)
	if !ok || sig.Type != ldSignatureType || sig.Creator != bobKey || sig.Created == "" {
		t.Fatalf("Unexpected signature: %+v", sig)
	}

	if err := s.Verify(signed, &key.PublicKey); err != nil {
		t.Errorf("Expected signature to verify, got %v", err)
	}
	if err := s.Verify(signed, &other.PublicKey); !IsKind(err, KindAuthentication) {
		t.Errorf("Expected wrong key to fail, got %v", err)
	}

	signed["id"] = "https://remote.example/activities/2"
	if err := s.Verify(signed, &key.PublicKey); !IsKind(err, KindAuthentication) {
		t.Errorf("Expected changed document to fail, got %v", err)
	}
}

func TestLDVerifyRejectsMalformedSignatures(t *testing.T) {
	key, _ := testKeys(t)
	s := testLDSigner()
	base := newActivity("Delete", bobURI+"#delete", bobURI, bobURI)

	tests := []struct {
		name string
		sig  any
	}{
		{"missing", nil},
		{"wrong type", map[string]any{"type": "Ed25519Signature2018", "creator": bobKey, "signatureValue": "AAAA"}},
		{"bad base64", map[string]any{"type": ldSignatureType, "creator": bobKey, "signatureValue": "%%%"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := make(map[string]any)
			for k, v := range base {
				doc[k] = v
			}
			if tt.sig != nil {
				doc["signature"] = tt.sig
			}
			kindOf(t, s.Verify(doc, &key.PublicKey), KindAuthentication)
		})
	}
}

func TestLDVerifyRefusesUnknownContexts(t *testing.T) {
	key, _ := testKeys(t)
	rt := &recordingTransport{}
	s := testLDSignerWith(rt)
	doc := newActivity("Create", "https://remote.example/activities/1", bobURI, noteDoc("https://remote.example/notes/1", bobURI))

	signed, err := s.Sign(doc, key, bobKey)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	signed["@context"] = []any{activityStreamsContext, "https://evil.example/context"}

	kindOf(t, s.Verify(signed, &key.PublicKey), KindAuthentication)
	if len(rt.urls) != 0 {
		t.Errorf("Expected no context fetches, got %v", rt.urls)
	}
}
