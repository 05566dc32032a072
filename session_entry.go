package ratchet

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// baseKeyType records which side generated a session's index base key: the
// initiator's freshly generated base key (ours) or a base key observed in
// an incoming PreKeyWhisperMessage (theirs).
type baseKeyType int

const (
	baseKeyOurs baseKeyType = iota
	baseKeyTheirs
)

func (t baseKeyType) String() string {
	if t == baseKeyOurs {
		return "ours"
	}
	return "theirs"
}

func parseBaseKeyType(s string) (baseKeyType, error) {
	switch s {
	case "ours":
		return baseKeyOurs, nil
	case "theirs":
		return baseKeyTheirs, nil
	default:
		return 0, fmt.Errorf("%w: unknown base key type %q", ErrInvalidArgument, s)
	}
}

// currentRatchet is a session's live Diffie-Hellman ratchet state.
type currentRatchet struct {
	ephemeral           KeyPair
	lastRemoteEphemeral PublicKey
	previousCounter     int
	rootKey             []byte
}

// indexInfo is the bookkeeping a SessionRecord uses to order and retire
// sessions: when a session was created, last used, and (if at all) closed,
// which base key it is filed under, and the peer identity key bound to it
// for the life of the session.
type indexInfo struct {
	baseKey           PublicKey
	baseKeyType       baseKeyType
	remoteIdentityKey PublicKey
	created           int64
	used              int64
	closed            int64 // -1 while open
}

// pendingPreKey records which of the peer's published pre-keys a session's
// handshake consumed. While set, outgoing messages on this session are
// still wrapped as a PreKeyWhisperMessage so the responder can complete
// its side of the handshake; it is cleared the first time a message on
// this session decrypts successfully.
type pendingPreKey struct {
	signedKeyID uint32
	baseKey     PublicKey
	preKeyID    *uint32
}

// SessionEntry is one Double Ratchet session: its live ratchet, every
// chain ever derived from it, and the index bookkeeping a SessionRecord
// uses to order and retire it.
type SessionEntry struct {
	registrationID uint32
	ratchet        currentRatchet
	index          indexInfo
	chains         map[PublicKey]*chain
	pending        *pendingPreKey
}

func newSessionEntry() *SessionEntry {
	return &SessionEntry{chains: make(map[PublicKey]*chain)}
}

func (s *SessionEntry) addChain(key PublicKey, c *chain) error {
	if _, exists := s.chains[key]; exists {
		return fmt.Errorf("%w: chain already exists for this key", ErrInvalidArgument)
	}
	s.chains[key] = c
	return nil
}

func (s *SessionEntry) getChain(key PublicKey) (*chain, bool) {
	c, ok := s.chains[key]
	return c, ok
}

func (s *SessionEntry) deleteChain(key PublicKey) error {
	if _, ok := s.chains[key]; !ok {
		return fmt.Errorf("%w: no chain for this key", ErrInvalidArgument)
	}
	delete(s.chains, key)
	return nil
}

// RegistrationID returns the peer device's registration id recorded at
// handshake time.
func (s *SessionEntry) RegistrationID() uint32 { return s.registrationID }

// --- serialization ---
//
// SessionEntry marshals through a plain struct of []byte/string/int
// fields so encoding/json's built-in base64 handling for []byte does the
// wire encoding; deserialization re-validates every length so a corrupted
// or truncated record fails loudly instead of silently truncating keys.

type currentRatchetJSON struct {
	EphemeralPub        []byte `json:"ephemeralPub"`
	EphemeralPriv       []byte `json:"ephemeralPriv"`
	LastRemoteEphemeral []byte `json:"lastRemoteEphemeralKey"`
	PreviousCounter     int    `json:"previousCounter"`
	RootKey             []byte `json:"rootKey"`
}

type indexInfoJSON struct {
	BaseKey           []byte `json:"baseKey"`
	BaseKeyType       string `json:"baseKeyType"`
	RemoteIdentityKey []byte `json:"remoteIdentityKey"`
	Created           int64  `json:"created"`
	Used              int64  `json:"used"`
	Closed            int64  `json:"closed"`
}

type chainKeyJSON struct {
	Counter int    `json:"counter"`
	Key     []byte `json:"key,omitempty"`
}

type chainJSON struct {
	ChainKey    chainKeyJSON      `json:"chainKey"`
	ChainType   string            `json:"chainType"`
	MessageKeys map[string][]byte `json:"messageKeys"`
}

type pendingPreKeyJSON struct {
	SignedKeyID uint32  `json:"signedKeyId"`
	BaseKey     []byte  `json:"baseKey"`
	PreKeyID    *uint32 `json:"preKeyId,omitempty"`
}

type sessionEntryJSON struct {
	RegistrationID uint32                `json:"registrationId"`
	Ratchet        currentRatchetJSON    `json:"currentRatchet"`
	Index          indexInfoJSON         `json:"indexInfo"`
	Chains         map[string]chainJSON  `json:"chains"`
	Pending        *pendingPreKeyJSON    `json:"pendingPreKey,omitempty"`
}

// Serialize encodes the session entry to its on-disk JSON form.
func (s *SessionEntry) Serialize() ([]byte, error) {
	out := sessionEntryJSON{
		RegistrationID: s.registrationID,
		Ratchet: currentRatchetJSON{
			EphemeralPub:        s.ratchet.ephemeral.Public[:],
			EphemeralPriv:       s.ratchet.ephemeral.Private[:],
			LastRemoteEphemeral: s.ratchet.lastRemoteEphemeral[:],
			PreviousCounter:     s.ratchet.previousCounter,
			RootKey:             s.ratchet.rootKey,
		},
		Index: indexInfoJSON{
			BaseKey:           s.index.baseKey[:],
			BaseKeyType:       s.index.baseKeyType.String(),
			RemoteIdentityKey: s.index.remoteIdentityKey[:],
			Created:           s.index.created,
			Used:              s.index.used,
			Closed:            s.index.closed,
		},
		Chains: make(map[string]chainJSON, len(s.chains)),
	}
	for pub, c := range s.chains {
		cj := chainJSON{
			ChainKey:    chainKeyJSON{Counter: c.key.counter, Key: c.key.key},
			ChainType:   c.kind.String(),
			MessageKeys: make(map[string][]byte, len(c.messageKeys)),
		}
		for counter, mk := range c.messageKeys {
			cj.MessageKeys[strconv.Itoa(counter)] = mk
		}
		out.Chains[base64.StdEncoding.EncodeToString(pub[:])] = cj
	}
	if s.pending != nil {
		out.Pending = &pendingPreKeyJSON{
			SignedKeyID: s.pending.signedKeyID,
			BaseKey:     s.pending.baseKey[:],
			PreKeyID:    s.pending.preKeyID,
		}
	}
	return json.Marshal(out)
}

func deserializeSessionEntry(data []byte, now func() time.Time) (*SessionEntry, error) {
	var j sessionEntryJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("ratchet: decode session entry: %w", err)
	}

	ephPub, err := fixedPublicKey(j.Ratchet.EphemeralPub)
	if err != nil {
		return nil, err
	}
	ephPriv, err := fixedPrivateKey(j.Ratchet.EphemeralPriv)
	if err != nil {
		return nil, err
	}
	lastRemote, err := fixedPublicKey(j.Ratchet.LastRemoteEphemeral)
	if err != nil {
		return nil, err
	}
	rootKey, err := fixed32(j.Ratchet.RootKey)
	if err != nil {
		return nil, err
	}

	baseKey, err := fixedPublicKey(j.Index.BaseKey)
	if err != nil {
		return nil, err
	}
	remoteIdentity, err := fixedPublicKey(j.Index.RemoteIdentityKey)
	if err != nil {
		return nil, err
	}
	bkt, err := parseBaseKeyType(j.Index.BaseKeyType)
	if err != nil {
		return nil, err
	}

	nowMs := now().UnixMilli()
	created, used, closed := j.Index.Created, j.Index.Used, j.Index.Closed
	if created == 0 {
		created = nowMs
	}
	if used == 0 {
		used = nowMs
	}
	if closed == 0 {
		closed = -1
	}

	s := newSessionEntry()
	s.registrationID = j.RegistrationID
	s.ratchet = currentRatchet{
		ephemeral:           KeyPair{Private: ephPriv, Public: ephPub},
		lastRemoteEphemeral: lastRemote,
		previousCounter:     j.Ratchet.PreviousCounter,
		rootKey:             rootKey,
	}
	s.index = indexInfo{
		baseKey:           baseKey,
		baseKeyType:       bkt,
		remoteIdentityKey: remoteIdentity,
		created:           created,
		used:              used,
		closed:            closed,
	}

	for b64Key, cj := range j.Chains {
		rawKey, err := base64.StdEncoding.DecodeString(b64Key)
		if err != nil {
			return nil, fmt.Errorf("ratchet: decode chain key: %w", err)
		}
		pk, err := fixedPublicKey(rawKey)
		if err != nil {
			return nil, err
		}
		kind, err := parseChainType(cj.ChainType)
		if err != nil {
			return nil, err
		}
		var ckKey []byte
		if cj.ChainKey.Key != nil {
			ckKey, err = fixed32(cj.ChainKey.Key)
			if err != nil {
				return nil, err
			}
		}
		c := &chain{
			kind:        kind,
			key:         chainKeyState{counter: cj.ChainKey.Counter, key: ckKey},
			messageKeys: make(map[int][]byte, len(cj.MessageKeys)),
		}
		for counterStr, mk := range cj.MessageKeys {
			counter, err := strconv.Atoi(counterStr)
			if err != nil {
				return nil, fmt.Errorf("ratchet: decode message key counter: %w", err)
			}
			fixedMK, err := fixed32(mk)
			if err != nil {
				return nil, err
			}
			c.messageKeys[counter] = fixedMK
		}
		s.chains[pk] = c
	}

	if j.Pending != nil {
		pkBase, err := fixedPublicKey(j.Pending.BaseKey)
		if err != nil {
			return nil, err
		}
		s.pending = &pendingPreKey{
			signedKeyID: j.Pending.SignedKeyID,
			baseKey:     pkBase,
			preKeyID:    j.Pending.PreKeyID,
		}
	}
	return s, nil
}

func fixedPublicKey(b []byte) (PublicKey, error) {
	var pk PublicKey
	if len(b) != len(pk) {
		return pk, fmt.Errorf("%w: expected %d-byte public key, got %d", ErrInvalidArgument, len(pk), len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

func fixedPrivateKey(b []byte) (PrivateKey, error) {
	var pv PrivateKey
	if len(b) != len(pv) {
		return pv, fmt.Errorf("%w: expected %d-byte private key, got %d", ErrInvalidArgument, len(pv), len(b))
	}
	copy(pv[:], b)
	return pv, nil
}

func fixed32(b []byte) ([]byte, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("%w: expected 32-byte key material, got %d", ErrInvalidArgument, len(b))
	}
	return append([]byte(nil), b...), nil
}
