package ratchet

import (
	"bytes"
	"crypto/rand"
	"io"
	"testing"
)

func TestDiffieHellmanAgreement(t *testing.T) {
	alice, err := GenerateKeyPair(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKeyPair(alice): %v", err)
	}
	bob, err := GenerateKeyPair(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKeyPair(bob): %v", err)
	}

	s1, err := dh(alice.Private, bob.Public)
	if err != nil {
		t.Fatalf("dh(alice, bob): %v", err)
	}
	s2, err := dh(bob.Private, alice.Public)
	if err != nil {
		t.Fatalf("dh(bob, alice): %v", err)
	}
	if !bytes.Equal(s1, s2) {
		t.Fatal("shared secrets do not match")
	}
}

func TestDHRejectsMissingPrefix(t *testing.T) {
	kp, err := GenerateKeyPair(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	var badPub PublicKey
	copy(badPub[:], kp.Public[:])
	badPub[0] = 0x00
	if _, err := dh(kp.Private, badPub); err == nil {
		t.Fatal("expected an error for a public key missing the 0x05 prefix")
	}
}

func TestHKDFChunksDeterministic(t *testing.T) {
	input := []byte("shared secret material")
	salt := make([]byte, 32)
	info := []byte("WhisperText")

	a, err := hkdfChunks(input, salt, info, 3)
	if err != nil {
		t.Fatalf("hkdfChunks: %v", err)
	}
	b, err := hkdfChunks(input, salt, info, 3)
	if err != nil {
		t.Fatalf("hkdfChunks: %v", err)
	}
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			t.Fatalf("chunk %d differs across calls with identical input", i)
		}
	}
	if bytes.Equal(a[0], a[1]) || bytes.Equal(a[1], a[2]) {
		t.Fatal("distinct chunks should not collide")
	}
}

func TestHKDFChunksRejectsOutOfRange(t *testing.T) {
	salt := make([]byte, 32)
	if _, err := hkdfChunks([]byte("x"), salt, nil, 0); err == nil {
		t.Fatal("expected an error for 0 chunks")
	}
	if _, err := hkdfChunks([]byte("x"), salt, nil, 4); err == nil {
		t.Fatal("expected an error for 4 chunks")
	}
}

func TestAESCBCRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	iv := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		t.Fatalf("read key: %v", err)
	}
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		t.Fatalf("read iv: %v", err)
	}

	for _, plaintext := range [][]byte{
		[]byte(""),
		[]byte("a"),
		[]byte("exactly 16 bytes"),
		[]byte("this plaintext is longer than a single AES block by some margin"),
	} {
		ciphertext, err := aesCBCEncrypt(key, iv, plaintext)
		if err != nil {
			t.Fatalf("aesCBCEncrypt: %v", err)
		}
		decrypted, err := aesCBCDecrypt(key, iv, ciphertext)
		if err != nil {
			t.Fatalf("aesCBCDecrypt: %v", err)
		}
		if !bytes.Equal(decrypted, plaintext) {
			t.Fatalf("round trip mismatch: got %q want %q", decrypted, plaintext)
		}
	}
}

func TestAESCBCDecryptRejectsBadPadding(t *testing.T) {
	key := make([]byte, 32)
	iv := make([]byte, 16)
	ciphertext, err := aesCBCEncrypt(key, iv, []byte("hello"))
	if err != nil {
		t.Fatalf("aesCBCEncrypt: %v", err)
	}
	ciphertext[len(ciphertext)-1] ^= 0xff
	if _, err := aesCBCDecrypt(key, iv, ciphertext); err == nil {
		t.Fatal("expected a padding error after corrupting the last block")
	}
}

func TestHash(t *testing.T) {
	digest, err := Hash([]byte("message body"))
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if len(digest) != 64 {
		t.Fatalf("digest length = %d, want 64", len(digest))
	}
	again, err := Hash([]byte("message body"))
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if !bytes.Equal(digest, again) {
		t.Fatal("Hash is not deterministic for identical input")
	}

	other, err := Hash([]byte("different message"))
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if bytes.Equal(digest, other) {
		t.Fatal("distinct inputs should not collide")
	}
}

func TestHashRejectsEmptyInput(t *testing.T) {
	if _, err := Hash(nil); err == nil {
		t.Fatal("expected an error for empty input")
	}
	if _, err := Hash([]byte{}); err == nil {
		t.Fatal("expected an error for empty input")
	}
}

func TestVerifyMAC(t *testing.T) {
	key := []byte("mac key")
	data := []byte("message body")
	mac := hmacSHA256(key, data)[:8]

	if err := verifyMAC(data, key, mac, 8); err != nil {
		t.Fatalf("verifyMAC: unexpected error: %v", err)
	}
	if err := verifyMAC(data, key, mac, 7); err == nil {
		t.Fatal("expected ErrBadMacLength for a short mac")
	}
	tampered := append([]byte(nil), mac...)
	tampered[0] ^= 0xff
	if err := verifyMAC(data, key, tampered, 8); err == nil {
		t.Fatal("expected ErrBadMac for a tampered mac")
	}
}

func TestXEdDSASignVerifyRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	msg := []byte("a signed pre-key's public bytes")
	random := make([]byte, 64)
	if _, err := io.ReadFull(rand.Reader, random); err != nil {
		t.Fatalf("read randomness: %v", err)
	}

	sig, err := xeddsaSign(kp.Private, msg, random)
	if err != nil {
		t.Fatalf("xeddsaSign: %v", err)
	}
	if len(sig) != 64 {
		t.Fatalf("signature length = %d, want 64", len(sig))
	}

	ok, err := xeddsaVerify(kp.Public, msg, sig)
	if err != nil {
		t.Fatalf("xeddsaVerify: %v", err)
	}
	if !ok {
		t.Fatal("signature failed to verify against the signing key's own public key")
	}
}

func TestXEdDSAVerifyRejectsTamperedMessage(t *testing.T) {
	kp, err := GenerateKeyPair(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	random := make([]byte, 64)
	if _, err := io.ReadFull(rand.Reader, random); err != nil {
		t.Fatalf("read randomness: %v", err)
	}
	sig, err := xeddsaSign(kp.Private, []byte("original"), random)
	if err != nil {
		t.Fatalf("xeddsaSign: %v", err)
	}
	ok, err := xeddsaVerify(kp.Public, []byte("tampered"), sig)
	if err != nil {
		t.Fatalf("xeddsaVerify: %v", err)
	}
	if ok {
		t.Fatal("signature verified against a message it was not signed over")
	}
}

func TestXEdDSAVerifyRejectsWrongKey(t *testing.T) {
	kp, err := GenerateKeyPair(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	other, err := GenerateKeyPair(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	random := make([]byte, 64)
	if _, err := io.ReadFull(rand.Reader, random); err != nil {
		t.Fatalf("read randomness: %v", err)
	}
	msg := []byte("message")
	sig, err := xeddsaSign(kp.Private, msg, random)
	if err != nil {
		t.Fatalf("xeddsaSign: %v", err)
	}
	ok, err := xeddsaVerify(other.Public, msg, sig)
	if err != nil {
		t.Fatalf("xeddsaVerify: %v", err)
	}
	if ok {
		t.Fatal("signature verified against the wrong public key")
	}
}

func TestGenerateRegistrationIDIsFourteenBit(t *testing.T) {
	for i := 0; i < 100; i++ {
		id, err := GenerateRegistrationID(rand.Reader)
		if err != nil {
			t.Fatalf("GenerateRegistrationID: %v", err)
		}
		if id >= 1<<14 {
			t.Fatalf("registration id %d exceeds 14 bits", id)
		}
	}
}
