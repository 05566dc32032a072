package ratchet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"runtime"

	"filippo.io/edwards25519"
	"filippo.io/edwards25519/field"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const publicKeyPrefix = 0x05

// PrivateKey is a clamped 32-byte X25519 scalar.
type PrivateKey [32]byte

// PublicKey is a 33-byte X25519 public key: a leading 0x05 type byte
// followed by the 32-byte Montgomery u-coordinate. The prefix lets the
// wire format distinguish key types without a separate tag; it is carried
// on the wire and in storage and stripped before any cryptographic use.
type PublicKey [33]byte

// KeyPair is a Diffie-Hellman (and, via XEdDSA, signing) key pair.
type KeyPair struct {
	Private PrivateKey
	Public  PublicKey
}

// GenerateKeyPair produces a fresh X25519 key pair, reading randomness
// from r.
func GenerateKeyPair(r io.Reader) (KeyPair, error) {
	var priv PrivateKey
	if _, err := io.ReadFull(r, priv[:]); err != nil {
		return KeyPair{}, fmt.Errorf("ratchet: generate key pair: %w", err)
	}
	clamp(&priv)
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("ratchet: derive public key: %w", err)
	}
	var pk PublicKey
	pk[0] = publicKeyPrefix
	copy(pk[1:], pub)
	return KeyPair{Private: priv, Public: pk}, nil
}

func clamp(priv *PrivateKey) {
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
}

// dh performs an X25519 Diffie-Hellman agreement between priv and pub.
func dh(priv PrivateKey, pub PublicKey) ([]byte, error) {
	if pub[0] != publicKeyPrefix {
		return nil, fmt.Errorf("%w: public key missing 0x05 type byte", ErrInvalidArgument)
	}
	out, err := curve25519.X25519(priv[:], pub[1:])
	if err != nil {
		return nil, fmt.Errorf("ratchet: diffie-hellman: %w", err)
	}
	return out, nil
}

// hkdfChunks derives chunks*32 bytes of key material from input via
// HKDF-SHA256 (RFC 5869), returning it split into 32-byte slices. chunks
// must be between 1 and 3.
func hkdfChunks(input, salt, info []byte, chunks int) ([][]byte, error) {
	if chunks < 1 || chunks > 3 {
		return nil, fmt.Errorf("%w: hkdf chunk count must be 1-3, got %d", ErrInvalidArgument, chunks)
	}
	r := hkdf.New(sha256.New, input, salt, info)
	out := make([][]byte, chunks)
	for i := range out {
		out[i] = make([]byte, 32)
		if _, err := io.ReadFull(r, out[i]); err != nil {
			return nil, fmt.Errorf("ratchet: hkdf expand: %w", err)
		}
	}
	return out, nil
}

// Hash returns the SHA-512 digest of data. data must be non-empty.
func Hash(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: hash requires non-empty input", ErrInvalidArgument)
	}
	sum := sha512.Sum512(data)
	return sum[:], nil
}

func hmacSHA256(key, data []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(data)
	return m.Sum(nil)
}

// verifyMAC recomputes HMAC-SHA256(key, data) and compares its first
// macLen bytes against mac in constant time.
func verifyMAC(data, key, mac []byte, macLen int) error {
	if len(mac) != macLen {
		return ErrBadMacLength
	}
	full := hmacSHA256(key, data)
	if !hmac.Equal(full[:macLen], mac) {
		return ErrBadMac
	}
	return nil
}

// aesCBCEncrypt PKCS#7-pads plaintext and encrypts it with AES-256-CBC.
func aesCBCEncrypt(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("ratchet: aes cipher: %w", err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

// aesCBCDecrypt reverses aesCBCEncrypt, validating the PKCS#7 padding.
func aesCBCDecrypt(key, iv, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext is not a multiple of the block size", ErrInvalidArgument)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("ratchet: aes cipher: %w", err)
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return pkcs7Unpad(out)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("ratchet: empty padded plaintext")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, errors.New("ratchet: invalid PKCS7 padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, errors.New("ratchet: invalid PKCS7 padding")
		}
	}
	return data[:len(data)-padLen], nil
}

// GenerateRegistrationID returns a random 14-bit registration id.
func GenerateRegistrationID(r io.Reader) (uint32, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("ratchet: generate registration id: %w", err)
	}
	return uint32(binary.LittleEndian.Uint16(buf[:])) & 0x3fff, nil
}

// zero overwrites b with zeros. The runtime.KeepAlive call stops the
// compiler from eliding the write as a dead store.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}

// --- XEdDSA: signing and verification with an X25519 (Montgomery) key ---
//
// XEdDSA lets a Curve25519 DH key pair also act as a signing key, using
// the birational map between the Montgomery (X25519) and twisted Edwards
// (Ed25519) curve models. Signing holds the private scalar, so it derives
// the Edwards public point directly via scalar multiplication. Verifying
// only holds the Montgomery public key, so it reconstructs the Edwards
// point from the u-coordinate plus a sign bit carried in the high bit of
// the signature's last byte.

var xeddsaNoncePrefix = [32]byte{
	0xfe, 0xfe, 0xfe, 0xfe, 0xfe, 0xfe, 0xfe, 0xfe,
	0xfe, 0xfe, 0xfe, 0xfe, 0xfe, 0xfe, 0xfe, 0xfe,
	0xfe, 0xfe, 0xfe, 0xfe, 0xfe, 0xfe, 0xfe, 0xfe,
	0xfe, 0xfe, 0xfe, 0xfe, 0xfe, 0xfe, 0xfe, 0xff,
}

// xeddsaSign signs msg with the X25519 private key priv, using random as
// the 64 bytes of auxiliary randomness mixed into the nonce derivation.
func xeddsaSign(priv PrivateKey, msg, random []byte) ([]byte, error) {
	if len(random) != 64 {
		return nil, fmt.Errorf("%w: xeddsa sign requires 64 bytes of randomness", ErrInvalidArgument)
	}

	a, err := new(edwards25519.Scalar).SetBytesWithClamping(priv[:])
	if err != nil {
		return nil, fmt.Errorf("ratchet: xeddsa scalar: %w", err)
	}
	A := new(edwards25519.Point).ScalarBaseMult(a)
	aEnc := A.Bytes()
	signBit := (aEnc[31] & 0x80) >> 7
	aEnc[31] &= 0x7f

	h := sha512.New()
	h.Write(xeddsaNoncePrefix[:])
	h.Write(a.Bytes())
	h.Write(msg)
	h.Write(random)
	nonceWide := h.Sum(nil)
	r, err := new(edwards25519.Scalar).SetUniformBytes(nonceWide)
	if err != nil {
		return nil, fmt.Errorf("ratchet: xeddsa nonce scalar: %w", err)
	}
	R := new(edwards25519.Point).ScalarBaseMult(r)

	h2 := sha512.New()
	h2.Write(R.Bytes())
	h2.Write(aEnc)
	h2.Write(msg)
	hramWide := h2.Sum(nil)
	hram, err := new(edwards25519.Scalar).SetUniformBytes(hramWide)
	if err != nil {
		return nil, fmt.Errorf("ratchet: xeddsa challenge scalar: %w", err)
	}
	s := new(edwards25519.Scalar).MultiplyAdd(hram, a, r)

	sig := make([]byte, 64)
	copy(sig[:32], R.Bytes())
	copy(sig[32:], s.Bytes())
	sig[63] = (sig[63] &^ 0x80) | (signBit << 7)
	return sig, nil
}

// xeddsaVerify checks a signature produced by xeddsaSign against the
// Montgomery public key pub.
func xeddsaVerify(pub PublicKey, msg, sig []byte) (bool, error) {
	if len(sig) != 64 {
		return false, fmt.Errorf("%w: xeddsa signature must be 64 bytes", ErrInvalidArgument)
	}
	signBit := (sig[63] & 0x80) >> 7

	sBytes := append([]byte(nil), sig[32:64]...)
	sBytes[31] &= 0x7f
	s, err := new(edwards25519.Scalar).SetCanonicalBytes(sBytes)
	if err != nil {
		return false, nil
	}

	A, err := montgomeryToEdwards(pub, signBit)
	if err != nil {
		return false, fmt.Errorf("ratchet: xeddsa public key conversion: %w", err)
	}
	aEnc := A.Bytes()
	aEnc[31] &= 0x7f

	h2 := sha512.New()
	h2.Write(sig[:32])
	h2.Write(aEnc)
	h2.Write(msg)
	hramWide := h2.Sum(nil)
	hram, err := new(edwards25519.Scalar).SetUniformBytes(hramWide)
	if err != nil {
		return false, fmt.Errorf("ratchet: xeddsa challenge scalar: %w", err)
	}
	negHram := new(edwards25519.Scalar).Negate(hram)

	RCheck := new(edwards25519.Point).VarTimeDoubleScalarBaseMult(negHram, A, s)
	return ctEqual(RCheck.Bytes(), sig[:32]), nil
}

func ctEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}

// montgomeryToEdwards reconstructs the Edwards point whose u-coordinate is
// u and whose x sign bit matches signBit, via the standard birational map
// y = (u-1)/(u+1), x^2 = (y^2-1)/(d*y^2+1).
func montgomeryToEdwards(pub PublicKey, signBit byte) (*edwards25519.Point, error) {
	u, err := new(field.Element).SetBytes(pub[1:])
	if err != nil {
		return nil, err
	}
	one := new(field.Element).One()

	yNum := new(field.Element).Subtract(u, one)
	yDen := new(field.Element).Add(u, one)
	yDenInv := new(field.Element).Invert(yDen)
	y := new(field.Element).Multiply(yNum, yDenInv)

	d := edwardsD()
	y2 := new(field.Element).Square(y)
	xNum := new(field.Element).Subtract(y2, one)
	xDen := new(field.Element).Multiply(d, y2)
	xDen = new(field.Element).Add(xDen, one)

	if _, wasSquare := new(field.Element).SqrtRatio(xNum, xDen); wasSquare == 0 {
		return nil, errors.New("ratchet: u-coordinate is not on the twist-free curve")
	}

	yBytes := y.Bytes()
	yBytes[31] = (yBytes[31] &^ 0x80) | (signBit << 7)
	return new(edwards25519.Point).SetBytes(yBytes)
}

func edwardsD() *field.Element {
	num := new(field.Element).Negate(fieldFromUint64(121665))
	den := new(field.Element).Invert(fieldFromUint64(121666))
	return new(field.Element).Multiply(num, den)
}

func fieldFromUint64(x uint64) *field.Element {
	var buf [32]byte
	binary.LittleEndian.PutUint64(buf[:8], x)
	el, err := new(field.Element).SetBytes(buf[:])
	if err != nil {
		panic("ratchet: invalid field constant: " + err.Error())
	}
	return el
}
