package ratchet

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log"
	"time"
)

const maxMessageKeysGap = 2000

// MessageType discriminates the two wire envelopes a SessionCipher
// produces.
type MessageType int

const (
	// WhisperMessageType is a steady-state message on an already
	// established session.
	WhisperMessageType MessageType = 1
	// PreKeyWhisperMessageType wraps a WhisperMessage with the handshake
	// material a first-contact responder needs.
	PreKeyWhisperMessageType MessageType = 3
)

// CipherMessage is what SessionCipher.Encrypt produces: an opaque wire
// body, its type, and the sender's registration id for routing.
type CipherMessage struct {
	Type           MessageType
	Body           []byte
	RegistrationID uint32
}

// SessionCipher encrypts and decrypts messages for one peer address.
// Every exported method runs as a job on that address's entry in the
// process-wide peer queue, so concurrent calls for the same address never
// interleave.
type SessionCipher struct {
	storage Storage
	addr    Address
	now     func() time.Time
	rand    io.Reader
	builder *SessionBuilder
}

// CipherOption configures a SessionCipher.
type CipherOption func(*SessionCipher)

// WithCipherRandom overrides the source of randomness used for ratchet
// key generation.
func WithCipherRandom(r io.Reader) CipherOption {
	return func(c *SessionCipher) { c.rand = r }
}

// WithCipherClock overrides the clock used for session timestamps.
func WithCipherClock(now func() time.Time) CipherOption {
	return func(c *SessionCipher) { c.now = now }
}

// NewSessionCipher returns a cipher for addr, backed by storage.
func NewSessionCipher(storage Storage, addr Address, opts ...CipherOption) *SessionCipher {
	c := &SessionCipher{storage: storage, addr: addr, now: time.Now, rand: rand.Reader}
	for _, fn := range opts {
		fn(c)
	}
	c.builder = NewSessionBuilder(storage, addr, WithBuilderRandom(c.rand), WithBuilderClock(c.now))
	return c
}

// Encrypt advances the session's sending chain by one step and returns the
// resulting wire message: a PreKeyWhisperMessage while the session's
// handshake hasn't yet been confirmed by a successful decrypt, a plain
// WhisperMessage afterward.
func (c *SessionCipher) Encrypt(ctx context.Context, plaintext []byte) (CipherMessage, error) {
	return submit(ctx, defaultQueue, c.addr.String(), func() (CipherMessage, error) {
		return c.encryptLocked(ctx, plaintext)
	})
}

func (c *SessionCipher) encryptLocked(ctx context.Context, plaintext []byte) (CipherMessage, error) {
	record, err := c.storage.LoadSession(ctx, c.addr)
	if err != nil {
		return CipherMessage{}, err
	}
	if record == nil {
		return CipherMessage{}, fmt.Errorf("%w: no session record for this address", ErrSession)
	}
	session := record.getOpenSession()
	if session == nil {
		return CipherMessage{}, fmt.Errorf("%w: no open session for this address", ErrSession)
	}

	trusted, err := c.storage.IsTrustedIdentity(ctx, c.addr.ID(), session.index.remoteIdentityKey)
	if err != nil {
		return CipherMessage{}, err
	}
	if !trusted {
		return CipherMessage{}, &UntrustedIdentityError{PeerID: c.addr.ID(), Key: session.index.remoteIdentityKey[:]}
	}

	chainKey := session.ratchet.ephemeral.Public
	ch, ok := session.getChain(chainKey)
	if !ok || ch.kind != sendingChain {
		return CipherMessage{}, fmt.Errorf("%w: session has no sending chain", ErrSession)
	}
	if err := ch.fillMessageKeys(ch.key.counter + 1); err != nil {
		return CipherMessage{}, err
	}
	counter := ch.key.counter
	messageKey, ok := ch.takeMessageKey(counter)
	if !ok {
		return CipherMessage{}, fmt.Errorf("%w: message key at counter %d was not derived", ErrSession, counter)
	}
	defer zero(messageKey)

	keys, err := hkdfChunks(messageKey, make([]byte, 32), []byte("WhisperMessageKeys"), 3)
	if err != nil {
		return CipherMessage{}, err
	}
	defer func() {
		for _, k := range keys {
			zero(k)
		}
	}()
	aesKey, macKey, ivSeed := keys[0], keys[1], keys[2]
	iv := ivSeed[:16]

	ourIdentity, err := c.storage.OurIdentity(ctx)
	if err != nil {
		return CipherMessage{}, err
	}

	ciphertext, err := aesCBCEncrypt(aesKey, iv, plaintext)
	if err != nil {
		return CipherMessage{}, err
	}

	wm := whisperMessage{
		ephemeralKey:    chainKey,
		counter:         uint32(counter),
		previousCounter: uint32(session.ratchet.previousCounter),
		ciphertext:      ciphertext,
	}
	wireBytes := wm.encode()

	macInput := make([]byte, 0, len(ourIdentity.Public)+len(session.index.remoteIdentityKey)+1+len(wireBytes))
	macInput = append(macInput, ourIdentity.Public[:]...)
	macInput = append(macInput, session.index.remoteIdentityKey[:]...)
	macInput = append(macInput, versionByte)
	macInput = append(macInput, wireBytes...)
	mac := hmacSHA256(macKey, macInput)

	envelope := make([]byte, 0, 1+len(wireBytes)+8)
	envelope = append(envelope, versionByte)
	envelope = append(envelope, wireBytes...)
	envelope = append(envelope, mac[:8]...)

	registrationID, err := c.storage.OurRegistrationID(ctx)
	if err != nil {
		return CipherMessage{}, err
	}

	var out CipherMessage
	out.RegistrationID = registrationID

	if session.pending != nil {
		pk := preKeyWhisperMessage{
			registrationID: registrationID,
			preKeyID:       session.pending.preKeyID,
			signedPreKeyID: session.pending.signedKeyID,
			baseKey:        session.pending.baseKey,
			identityKey:    ourIdentity.Public,
			message:        envelope,
		}
		body := make([]byte, 0, 1+len(pk.encode()))
		body = append(body, versionByte)
		body = append(body, pk.encode()...)
		out.Type, out.Body = PreKeyWhisperMessageType, body
	} else {
		out.Type, out.Body = WhisperMessageType, envelope
	}

	record.removeOldSessions()
	if err := c.storage.StoreSession(ctx, c.addr, record); err != nil {
		return CipherMessage{}, err
	}
	return out, nil
}

// DecryptPreKeyWhisperMessage completes or continues the responder side of
// a handshake, then decrypts the wrapped WhisperMessage.
func (c *SessionCipher) DecryptPreKeyWhisperMessage(ctx context.Context, body []byte) ([]byte, error) {
	return submit(ctx, defaultQueue, c.addr.String(), func() ([]byte, error) {
		return c.decryptPreKeyWhisperMessageLocked(ctx, body)
	})
}

func (c *SessionCipher) decryptPreKeyWhisperMessageLocked(ctx context.Context, body []byte) ([]byte, error) {
	if len(body) < minPreKeyMessageSize {
		return nil, fmt.Errorf("%w: message shorter than the minimum pre-key message size", ErrInvalidArgument)
	}
	if err := checkVersionByte(body[0]); err != nil {
		return nil, err
	}
	msg, err := decodePreKeyWhisperMessage(body[1:])
	if err != nil {
		return nil, err
	}

	record, err := c.storage.LoadSession(ctx, c.addr)
	if err != nil {
		return nil, err
	}
	if record == nil {
		if !msg.hasRegistrationID {
			return nil, fmt.Errorf("%w: first-contact message carries no registration id", ErrInvalidArgument)
		}
		record = NewSessionRecord(WithRecordClock(c.now))
	}

	consumedPreKeyID, err := c.builder.initIncomingLocked(ctx, record, &msg)
	if err != nil {
		return nil, err
	}

	session, err := record.getSession(msg.baseKey)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("%w: handshake did not yield a usable session", ErrSession)
	}

	ourIdentity, err := c.storage.OurIdentity(ctx)
	if err != nil {
		return nil, err
	}

	plaintext, err := c.doDecrypt(msg.message, session, ourIdentity.Public)
	if err != nil {
		return nil, err
	}
	session.index.used = c.now().UnixMilli()

	record.removeOldSessions()
	if err := c.storage.StoreSession(ctx, c.addr, record); err != nil {
		return nil, err
	}
	if consumedPreKeyID != nil {
		if err := c.storage.RemovePreKey(ctx, *consumedPreKeyID); err != nil {
			return nil, err
		}
	}
	return plaintext, nil
}

// DecryptWhisperMessage decrypts a steady-state message by trial
// decryption over every session in the record, most-recently-used first.
func (c *SessionCipher) DecryptWhisperMessage(ctx context.Context, body []byte) ([]byte, error) {
	return submit(ctx, defaultQueue, c.addr.String(), func() ([]byte, error) {
		return c.decryptWhisperMessageLocked(ctx, body)
	})
}

func (c *SessionCipher) decryptWhisperMessageLocked(ctx context.Context, body []byte) ([]byte, error) {
	record, err := c.storage.LoadSession(ctx, c.addr)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("%w: no session record for this address", ErrSession)
	}
	ourIdentity, err := c.storage.OurIdentity(ctx)
	if err != nil {
		return nil, err
	}

	session, plaintext, err := c.decryptWithSessions(body, record.getSessions(), ourIdentity.Public)
	if err != nil {
		return nil, err
	}

	trusted, err := c.storage.IsTrustedIdentity(ctx, c.addr.ID(), session.index.remoteIdentityKey)
	if err != nil {
		return nil, err
	}
	if !trusted {
		return nil, &UntrustedIdentityError{PeerID: c.addr.ID(), Key: session.index.remoteIdentityKey[:]}
	}
	if record.isClosed(session) {
		log.Printf("ratchet: decrypted a message on a closed session for %s", c.addr)
	}
	session.index.used = c.now().UnixMilli()

	if err := c.storage.StoreSession(ctx, c.addr, record); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// decryptWithSessions trial-decrypts body against each session in order,
// returning the first success. With exactly one candidate it surfaces that
// session's specific failure (callers distinguishing "bad MAC" from
// "counter gap" benefit from this); with more than one it reports the
// coarser ErrNoMatchingSession, since no single candidate's error
// describes the overall outcome.
func (c *SessionCipher) decryptWithSessions(body []byte, sessions []*SessionEntry, ourIdentityPub PublicKey) (*SessionEntry, []byte, error) {
	if len(sessions) == 0 {
		return nil, nil, ErrNoMatchingSession
	}
	var lastErr error
	for _, s := range sessions {
		plaintext, err := c.doDecrypt(body, s, ourIdentityPub)
		if err == nil {
			return s, plaintext, nil
		}
		lastErr = err
	}
	if len(sessions) == 1 {
		return nil, nil, lastErr
	}
	return nil, nil, ErrNoMatchingSession
}

// doDecrypt decodes, ratchets, and decrypts a single WhisperMessage
// envelope against one candidate session.
func (c *SessionCipher) doDecrypt(body []byte, session *SessionEntry, ourIdentityPub PublicKey) ([]byte, error) {
	if len(body) < minWhisperMessageSize {
		return nil, fmt.Errorf("%w: message shorter than the minimum whisper message size", ErrInvalidArgument)
	}
	if err := checkVersionByte(body[0]); err != nil {
		return nil, err
	}
	wireBytes := body[1 : len(body)-8]
	receivedMAC := body[len(body)-8:]

	wm, err := decodeWhisperMessage(wireBytes)
	if err != nil {
		return nil, err
	}

	if err := c.maybeStepRatchet(session, wm.ephemeralKey, int(wm.previousCounter)); err != nil {
		return nil, err
	}

	ch, ok := session.getChain(wm.ephemeralKey)
	if !ok || ch.kind != receivingChain {
		return nil, fmt.Errorf("%w: no receiving chain for this ephemeral key", ErrSession)
	}
	if err := ch.fillMessageKeys(int(wm.counter)); err != nil {
		return nil, err
	}
	messageKey, ok := ch.takeMessageKey(int(wm.counter))
	if !ok {
		return nil, &MessageCounterError{Reason: fmt.Sprintf("message key at counter %d was already consumed", wm.counter)}
	}
	defer zero(messageKey)

	keys, err := hkdfChunks(messageKey, make([]byte, 32), []byte("WhisperMessageKeys"), 3)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, k := range keys {
			zero(k)
		}
	}()
	aesKey, macKey, ivSeed := keys[0], keys[1], keys[2]
	iv := ivSeed[:16]

	macInput := make([]byte, 0, len(session.index.remoteIdentityKey)+len(ourIdentityPub)+1+len(wireBytes))
	macInput = append(macInput, session.index.remoteIdentityKey[:]...)
	macInput = append(macInput, ourIdentityPub[:]...)
	macInput = append(macInput, body[0])
	macInput = append(macInput, wireBytes...)
	if err := verifyMAC(macInput, macKey, receivedMAC, 8); err != nil {
		return nil, err
	}

	plaintext, err := aesCBCDecrypt(aesKey, iv, wm.ciphertext)
	if err != nil {
		return nil, err
	}

	session.pending = nil
	return plaintext, nil
}

// maybeStepRatchet performs a Diffie-Hellman ratchet step if remoteEphemeral
// hasn't been seen before on this session: it closes out the previous
// receiving chain (filling it up to the sender's reported previous
// counter so any still-in-flight messages on it remain decryptable), deletes
// the now-stale sending chain, and derives a fresh receiving chain and
// sending chain from a newly generated key pair.
func (c *SessionCipher) maybeStepRatchet(session *SessionEntry, remoteEphemeral PublicKey, theirPreviousCounter int) error {
	if _, ok := session.getChain(remoteEphemeral); ok {
		return nil
	}

	if prevRecv, ok := session.getChain(session.ratchet.lastRemoteEphemeral); ok {
		if err := prevRecv.fillMessageKeys(theirPreviousCounter); err != nil {
			return err
		}
		prevRecv.close()
	}

	if err := c.calculateRatchet(session, remoteEphemeral, receivingChain); err != nil {
		return err
	}

	if prevSend, ok := session.getChain(session.ratchet.ephemeral.Public); ok {
		session.ratchet.previousCounter = prevSend.key.counter
		if err := session.deleteChain(session.ratchet.ephemeral.Public); err != nil {
			return err
		}
	}

	newEphemeral, err := GenerateKeyPair(c.rand)
	if err != nil {
		return err
	}
	session.ratchet.ephemeral = newEphemeral

	if err := c.calculateRatchet(session, remoteEphemeral, sendingChain); err != nil {
		return err
	}
	session.ratchet.lastRemoteEphemeral = remoteEphemeral
	return nil
}

// calculateRatchet derives a new chain of kind from a Diffie-Hellman
// agreement between the session's current ephemeral key pair and
// remoteKey, advancing the root key in the process.
func (c *SessionCipher) calculateRatchet(session *SessionEntry, remoteKey PublicKey, kind chainType) error {
	secret, err := dh(session.ratchet.ephemeral.Private, remoteKey)
	if err != nil {
		return err
	}
	defer zero(secret)
	derived, err := hkdfChunks(secret, session.ratchet.rootKey, []byte("WhisperRatchet"), 2)
	if err != nil {
		return err
	}

	key := remoteKey
	if kind == sendingChain {
		key = session.ratchet.ephemeral.Public
	}
	if err := session.addChain(key, newChain(kind, derived[1])); err != nil {
		return err
	}
	session.ratchet.rootKey = derived[0]
	return nil
}

// DeleteAllSessions drops every session negotiated with addr, open or
// closed, and persists the now-empty record. Messages already in flight on
// any of those sessions become undecryptable.
func (c *SessionCipher) DeleteAllSessions(ctx context.Context) error {
	_, err := submit(ctx, defaultQueue, c.addr.String(), func() (struct{}, error) {
		record, err := c.storage.LoadSession(ctx, c.addr)
		if err != nil {
			return struct{}{}, err
		}
		if record == nil {
			return struct{}{}, nil
		}
		record.deleteAllSessions()
		return struct{}{}, c.storage.StoreSession(ctx, c.addr, record)
	})
	return err
}

// HasOpenSession reports whether addr has a currently open session.
func (c *SessionCipher) HasOpenSession(ctx context.Context) (bool, error) {
	return submit(ctx, defaultQueue, c.addr.String(), func() (bool, error) {
		record, err := c.storage.LoadSession(ctx, c.addr)
		if err != nil {
			return false, err
		}
		if record == nil {
			return false, nil
		}
		return record.getOpenSession() != nil, nil
	})
}

// CloseOpenSession closes addr's open session, if any. It is a no-op if
// there is no session record or no open session.
func (c *SessionCipher) CloseOpenSession(ctx context.Context) error {
	_, err := submit(ctx, defaultQueue, c.addr.String(), func() (struct{}, error) {
		record, err := c.storage.LoadSession(ctx, c.addr)
		if err != nil {
			return struct{}{}, err
		}
		if record == nil {
			return struct{}{}, nil
		}
		if open := record.getOpenSession(); open != nil {
			record.closeSession(open)
		}
		return struct{}{}, c.storage.StoreSession(ctx, c.addr, record)
	})
	return err
}
