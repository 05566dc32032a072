package ratchet

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"time"
)

// SessionBuilder performs the X3DH-derived handshake that seeds a
// SessionEntry: initiating against a peer's published pre-key bundle, or
// accepting an incoming PreKeyWhisperMessage.
type SessionBuilder struct {
	storage Storage
	addr    Address
	now     func() time.Time
	rand    io.Reader

	insecureSkipSignatureCheck bool // see WithStrictSignatureVerification
}

// BuilderOption configures a SessionBuilder.
type BuilderOption func(*SessionBuilder)

// WithBuilderRandom overrides the source of randomness used for ephemeral
// key generation. Tests use this for determinism.
func WithBuilderRandom(r io.Reader) BuilderOption {
	return func(b *SessionBuilder) { b.rand = r }
}

// WithBuilderClock overrides the clock used for session timestamps.
func WithBuilderClock(now func() time.Time) BuilderOption {
	return func(b *SessionBuilder) { b.now = now }
}

// WithStrictSignatureVerification controls whether InitOutgoing verifies
// the peer's signed pre-key signature. It defaults to true; passing false
// skips the check, so a bundle whose signature is missing or forged is
// accepted. Production callers must never disable it.
func WithStrictSignatureVerification(strict bool) BuilderOption {
	return func(b *SessionBuilder) { b.insecureSkipSignatureCheck = !strict }
}

// NewSessionBuilder returns a builder for the handshake with addr, backed
// by storage.
func NewSessionBuilder(storage Storage, addr Address, opts ...BuilderOption) *SessionBuilder {
	b := &SessionBuilder{storage: storage, addr: addr, now: time.Now, rand: rand.Reader}
	for _, fn := range opts {
		fn(b)
	}
	return b
}

// InitOutgoing performs the initiator side of the handshake against a
// peer's published pre-key bundle and installs the resulting session as
// the open session for addr, closing whatever was previously open.
func (b *SessionBuilder) InitOutgoing(ctx context.Context, bundle *PreKeyBundle) error {
	_, err := submit(ctx, defaultQueue, b.addr.String(), func() (struct{}, error) {
		return struct{}{}, b.initOutgoingLocked(ctx, bundle)
	})
	return err
}

func (b *SessionBuilder) initOutgoingLocked(ctx context.Context, bundle *PreKeyBundle) error {
	trusted, err := b.storage.IsTrustedIdentity(ctx, b.addr.ID(), bundle.IdentityKey)
	if err != nil {
		return err
	}
	if !trusted {
		return &UntrustedIdentityError{PeerID: b.addr.ID(), Key: bundle.IdentityKey[:]}
	}

	if !b.insecureSkipSignatureCheck {
		ok, err := xeddsaVerify(bundle.IdentityKey, bundle.SignedPreKey.Public[:], bundle.SignedPreKey.Signature)
		if err != nil {
			return fmt.Errorf("ratchet: verify signed pre-key signature: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: signed pre-key signature does not verify", ErrSession)
		}
	}

	baseKey, err := GenerateKeyPair(b.rand)
	if err != nil {
		return err
	}

	var theirEphemeral *PublicKey
	var preKeyID *uint32
	if bundle.PreKey != nil {
		pub := bundle.PreKey.Public
		theirEphemeral = &pub
		id := bundle.PreKey.KeyID
		preKeyID = &id
	}

	s, err := b.initSession(ctx, initSessionParams{
		isInitiator:    true,
		ourEphemeral:   &baseKey,
		theirIdentity:  bundle.IdentityKey,
		theirEphemeral: theirEphemeral,
		theirSigned:    &bundle.SignedPreKey.Public,
		registrationID: bundle.RegistrationID,
	})
	if err != nil {
		return err
	}
	s.pending = &pendingPreKey{
		signedKeyID: bundle.SignedPreKey.KeyID,
		baseKey:     baseKey.Public,
		preKeyID:    preKeyID,
	}

	record, err := b.storage.LoadSession(ctx, b.addr)
	if err != nil {
		return err
	}
	if record == nil {
		record = NewSessionRecord(WithRecordClock(b.now))
	}
	if open := record.getOpenSession(); open != nil {
		record.closeSession(open)
	}
	record.setSession(s)
	record.removeOldSessions()
	return b.storage.StoreSession(ctx, b.addr, record)
}

// InitIncoming performs the responder side of the handshake against an
// incoming PreKeyWhisperMessage, installing the resulting session into
// record (record is not persisted here; the caller, typically
// SessionCipher.DecryptPreKeyWhisperMessage, stores it after the message
// body also decrypts successfully). It returns the consumed one-time
// pre-key id, if any.
func (b *SessionBuilder) InitIncoming(ctx context.Context, record *SessionRecord, msg *preKeyWhisperMessage) (*uint32, error) {
	return submit(ctx, defaultQueue, b.addr.String(), func() (*uint32, error) {
		return b.initIncomingLocked(ctx, record, msg)
	})
}

func (b *SessionBuilder) initIncomingLocked(ctx context.Context, record *SessionRecord, msg *preKeyWhisperMessage) (*uint32, error) {
	trusted, err := b.storage.IsTrustedIdentity(ctx, b.addr.ID(), msg.identityKey)
	if err != nil {
		return nil, err
	}
	if !trusted {
		return nil, &UntrustedIdentityError{PeerID: b.addr.ID(), Key: msg.identityKey[:]}
	}

	if _, exists := record.sessions[msg.baseKey]; exists {
		return nil, nil
	}

	var ourEphemeral *KeyPair
	var consumedPreKeyID *uint32
	if msg.preKeyID != nil {
		kp, err := b.storage.LoadPreKey(ctx, *msg.preKeyID)
		if err != nil {
			return nil, err
		}
		if kp == nil {
			return nil, &PreKeyError{Reason: "referenced one-time pre-key not found"}
		}
		ourEphemeral = kp
		consumedPreKeyID = msg.preKeyID
	}

	signedPreKeyPair, err := b.storage.LoadSignedPreKey(ctx, msg.signedPreKeyID)
	if err != nil {
		return nil, err
	}
	if signedPreKeyPair == nil {
		return nil, &PreKeyError{Reason: "referenced signed pre-key not found"}
	}

	if open := record.getOpenSession(); open != nil {
		record.closeSession(open)
	}

	s, err := b.initSession(ctx, initSessionParams{
		isInitiator:    false,
		ourEphemeral:   ourEphemeral,
		ourSigned:      signedPreKeyPair,
		theirIdentity:  msg.identityKey,
		theirEphemeral: &msg.baseKey,
		registrationID: msg.registrationID,
	})
	if err != nil {
		return nil, err
	}
	record.setSession(s)
	return consumedPreKeyID, nil
}

type initSessionParams struct {
	isInitiator    bool
	ourEphemeral   *KeyPair
	ourSigned      *KeyPair
	theirIdentity  PublicKey
	theirEphemeral *PublicKey
	theirSigned    *PublicKey
	registrationID uint32
}

// initSession derives a fresh session's root key from the X3DH-style
// Diffie-Hellman cascade and, for the initiator, its first sending chain.
func (b *SessionBuilder) initSession(ctx context.Context, p initSessionParams) (*SessionEntry, error) {
	ourIdentity, err := b.storage.OurIdentity(ctx)
	if err != nil {
		return nil, err
	}

	ourSigned, theirSigned := p.ourSigned, p.theirSigned
	if p.isInitiator {
		if ourSigned != nil {
			return nil, fmt.Errorf("%w: initiator must not supply ourSigned", ErrInvalidArgument)
		}
		ourSigned = p.ourEphemeral
	} else {
		if theirSigned != nil {
			return nil, fmt.Errorf("%w: responder must not supply theirSigned", ErrInvalidArgument)
		}
		theirSigned = p.theirEphemeral
	}
	if ourSigned == nil || theirSigned == nil {
		return nil, fmt.Errorf("%w: missing signed key material for handshake", ErrInvalidArgument)
	}

	secret, err := deriveSharedSecret(ourIdentity, *ourSigned, p.ourEphemeral, p.theirIdentity, *theirSigned, p.theirEphemeral, p.isInitiator)
	if err != nil {
		return nil, err
	}
	defer zero(secret)

	masters, err := hkdfChunks(secret, make([]byte, 32), []byte("WhisperText"), 2)
	if err != nil {
		return nil, err
	}
	defer zero(masters[1])

	nowMs := b.now().UnixMilli()
	s := newSessionEntry()
	s.registrationID = p.registrationID
	s.ratchet.rootKey = masters[0]
	s.ratchet.lastRemoteEphemeral = *theirSigned
	s.ratchet.previousCounter = 0

	var baseKey PublicKey
	var bkt baseKeyType
	if p.isInitiator {
		ephemeral, err := GenerateKeyPair(b.rand)
		if err != nil {
			return nil, err
		}
		s.ratchet.ephemeral = ephemeral
		baseKey, bkt = p.ourEphemeral.Public, baseKeyOurs
	} else {
		s.ratchet.ephemeral = *ourSigned
		baseKey, bkt = *p.theirEphemeral, baseKeyTheirs
	}

	s.index = indexInfo{
		baseKey:           baseKey,
		baseKeyType:       bkt,
		remoteIdentityKey: p.theirIdentity,
		created:           nowMs,
		used:              nowMs,
		closed:            -1,
	}

	if p.isInitiator {
		if err := b.calculateSendingRatchet(s, *theirSigned); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// calculateSendingRatchet derives the session's first sending chain from
// its freshly generated ephemeral key pair and the peer's signed key.
func (b *SessionBuilder) calculateSendingRatchet(s *SessionEntry, remoteKey PublicKey) error {
	secret, err := dh(s.ratchet.ephemeral.Private, remoteKey)
	if err != nil {
		return err
	}
	defer zero(secret)
	derived, err := hkdfChunks(secret, s.ratchet.rootKey, []byte("WhisperRatchet"), 2)
	if err != nil {
		return err
	}
	if err := s.addChain(s.ratchet.ephemeral.Public, newChain(sendingChain, derived[1])); err != nil {
		return err
	}
	s.ratchet.rootKey = derived[0]
	return nil
}

// deriveSharedSecret computes the X3DH Diffie-Hellman cascade:
//
//	DH1 = DH(our_identity,   their_signed)
//	DH2 = DH(our_signed,     their_identity)
//	DH3 = DH(our_signed,     their_signed)
//	DH4 = DH(our_ephemeral,  their_ephemeral)   (only if both are present)
//
// with DH1/DH2 ordered so the initiator and responder compute the same
// bytes (the initiator's DH1 is the responder's DH2, and vice versa).
func deriveSharedSecret(ourIdentity, ourSigned KeyPair, ourEphemeral *KeyPair, theirIdentity, theirSigned PublicKey, theirEphemeral *PublicKey, isInitiator bool) ([]byte, error) {
	a1, err := dh(ourIdentity.Private, theirSigned)
	if err != nil {
		return nil, err
	}
	a2, err := dh(ourSigned.Private, theirIdentity)
	if err != nil {
		return nil, err
	}
	a3, err := dh(ourSigned.Private, theirSigned)
	if err != nil {
		return nil, err
	}
	defer func() { zero(a1); zero(a2); zero(a3) }()

	x1, x2 := a1, a2
	if !isInitiator {
		x1, x2 = a2, a1
	}

	secret := make([]byte, 0, 32*5)
	secret = append(secret, bytes.Repeat([]byte{0xff}, 32)...)
	secret = append(secret, x1...)
	secret = append(secret, x2...)
	secret = append(secret, a3...)

	if ourEphemeral != nil && theirEphemeral != nil {
		a4, err := dh(ourEphemeral.Private, *theirEphemeral)
		if err != nil {
			return nil, err
		}
		defer zero(a4)
		secret = append(secret, a4...)
	}
	return secret, nil
}
