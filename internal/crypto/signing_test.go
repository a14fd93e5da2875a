package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeKeyFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadSignerFromSeed(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	dir := t.TempDir()
	privPath := writeKeyFile(t, dir, "node.key", EncodeSeed(priv)+"\n")
	pubPath := writeKeyFile(t, dir, "node.pub", EncodePublicKey(pub))

	signer, err := LoadSigner(privPath, pubPath)
	if err != nil {
		t.Fatalf("LoadSigner: %v", err)
	}
	if !signer.Public.Equal(pub) {
		t.Fatalf("unexpected public key")
	}
	if !strings.HasPrefix(signer.KeyID, "ed25519:") || len(signer.KeyID) != len("ed25519:")+16 {
		t.Fatalf("unexpected key id %q", signer.KeyID)
	}
	sig := signer.Sign([]byte("payload"))
	if !Verify(pub, []byte("payload"), sig) {
		t.Fatalf("expected signature to verify")
	}
	if Verify(pub, []byte("other"), sig) {
		t.Fatalf("signature must not verify for other payload")
	}
	if Verify(pub, []byte("payload"), "%%%") {
		t.Fatalf("malformed signature must not verify")
	}
}

func TestLoadSignerFromPEM(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatalf("MarshalPKCS8PrivateKey: %v", err)
	}
	body := string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
	path := writeKeyFile(t, t.TempDir(), "node.pem", body)
	signer, err := LoadSigner(path, "")
	if err != nil {
		t.Fatalf("LoadSigner: %v", err)
	}
	if !signer.Private.Equal(priv) {
		t.Fatalf("unexpected private key")
	}
}

func TestLoadSignerRejectsMismatchedPublicKey(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	other, _, _ := ed25519.GenerateKey(rand.Reader)
	dir := t.TempDir()
	privPath := writeKeyFile(t, dir, "node.key", EncodeSeed(priv))
	pubPath := writeKeyFile(t, dir, "other.pub", EncodePublicKey(other))
	if _, err := LoadSigner(privPath, pubPath); err == nil {
		t.Fatalf("expected mismatch error")
	}
}

func TestSignRequestRoundTrip(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	signer := NewSigner(priv)
	body := []byte(`{"product_label":"milk"}`)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	ts, sig := signer.SignRequest("POST", "/v1/batches", now, body)
	if ts != "2026-05-01T12:00:00Z" {
		t.Fatalf("unexpected timestamp %q", ts)
	}
	if !VerifyRequest(signer.Public, "POST", "/v1/batches", ts, body, sig) {
		t.Fatalf("expected request signature to verify")
	}
	if VerifyRequest(signer.Public, "POST", "/v1/batches", ts, []byte(`{}`), sig) {
		t.Fatalf("signature must bind the body")
	}
}

func TestParsePublicKeyRejectsWrongLength(t *testing.T) {
	if _, err := ParsePublicKey("AAAA"); err == nil {
		t.Fatalf("expected length error")
	}
	if _, err := ParsePublicKey("-----BEGIN PUBLIC KEY-----\nnope\n-----END PUBLIC KEY-----"); err == nil {
		t.Fatalf("expected pem error")
	}
}
