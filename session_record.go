package ratchet

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"
)

const (
	closedSessionsMax    = 40
	sessionRecordVersion = "v1"
)

// SessionRecord is the full set of sessions this peer has ever negotiated
// with one remote address: at most one open at a time, plus a bounded
// number of recently-closed sessions kept around for trial decryption of
// messages that crossed in flight with a new handshake.
type SessionRecord struct {
	order    []PublicKey // base keys in the order setSession added them; a deserialized record lists them in no particular order
	sessions map[PublicKey]*SessionEntry
	now      func() time.Time
}

// RecordOption configures a SessionRecord.
type RecordOption func(*SessionRecord)

// WithRecordClock overrides the clock used for created/used/closed
// timestamps. Tests use this for deterministic ordering.
func WithRecordClock(now func() time.Time) RecordOption {
	return func(r *SessionRecord) { r.now = now }
}

// NewSessionRecord returns an empty session record.
func NewSessionRecord(opts ...RecordOption) *SessionRecord {
	r := &SessionRecord{sessions: make(map[PublicKey]*SessionEntry), now: time.Now}
	for _, fn := range opts {
		fn(r)
	}
	return r
}

func (r *SessionRecord) nowMillis() int64 { return r.now().UnixMilli() }

// setSession inserts or replaces the session filed under its own base key.
func (r *SessionRecord) setSession(s *SessionEntry) {
	key := s.index.baseKey
	if _, exists := r.sessions[key]; !exists {
		r.order = append(r.order, key)
	}
	r.sessions[key] = s
}

// getSession looks up the session filed under baseKey. It refuses to
// return a session filed under our own generated base key: that key is an
// index, never a valid decrypt target for an incoming message.
func (r *SessionRecord) getSession(baseKey PublicKey) (*SessionEntry, error) {
	s, ok := r.sessions[baseKey]
	if !ok {
		return nil, nil
	}
	if s.index.baseKeyType == baseKeyOurs {
		return nil, fmt.Errorf("%w: refusing to use our own base key as a decrypt target", ErrInvalidArgument)
	}
	return s, nil
}

// getOpenSession returns the one session with index.closed == -1, if any.
func (r *SessionRecord) getOpenSession() *SessionEntry {
	for _, key := range r.order {
		if s := r.sessions[key]; s.index.closed == -1 {
			return s
		}
	}
	return nil
}

// getSessions returns every session in the record ordered by index.used,
// most recently used first. Trial decryption walks sessions in this order.
func (r *SessionRecord) getSessions() []*SessionEntry {
	out := make([]*SessionEntry, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.sessions[key])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].index.used > out[j].index.used
	})
	return out
}

// closeSession marks s closed as of now. Closing an already-closed session
// is logged and otherwise ignored.
func (r *SessionRecord) closeSession(s *SessionEntry) {
	if s.index.closed != -1 {
		log.Printf("ratchet: closing a session that was already closed")
		return
	}
	s.index.closed = r.nowMillis()
}

func (r *SessionRecord) openSession(s *SessionEntry) {
	s.index.closed = -1
}

func (r *SessionRecord) isClosed(s *SessionEntry) bool {
	return s.index.closed != -1
}

// removeOldSessions evicts the oldest closed session, repeatedly, while
// the record holds more than closedSessionsMax entries. It never evicts
// an open session; if the record is still over the limit with no closed
// session left to evict, it logs and stops.
func (r *SessionRecord) removeOldSessions() {
	for len(r.order) > closedSessionsMax {
		oldestIdx := -1
		var oldestClosed int64
		for i, key := range r.order {
			s := r.sessions[key]
			if s.index.closed == -1 {
				continue
			}
			if oldestIdx == -1 || s.index.closed < oldestClosed {
				oldestIdx, oldestClosed = i, s.index.closed
			}
		}
		if oldestIdx == -1 {
			log.Printf("ratchet: session record holds %d entries, over the %d limit, with no closed session to evict", len(r.order), closedSessionsMax)
			return
		}
		key := r.order[oldestIdx]
		delete(r.sessions, key)
		r.order = append(r.order[:oldestIdx], r.order[oldestIdx+1:]...)
	}
}

// deleteAllSessions drops every session, open or closed. The record itself
// stays valid and empty; a later handshake can repopulate it.
func (r *SessionRecord) deleteAllSessions() {
	r.order = nil
	r.sessions = make(map[PublicKey]*SessionEntry)
}

// --- serialization ---

type sessionRecordJSON struct {
	Sessions       map[string]json.RawMessage `json:"_sessions"`
	Version        string                     `json:"version,omitempty"`
	RegistrationID *uint32                    `json:"registrationId,omitempty"`
}

// Serialize encodes the session record to its on-disk JSON form.
func (r *SessionRecord) Serialize() ([]byte, error) {
	out := sessionRecordJSON{
		Sessions: make(map[string]json.RawMessage, len(r.order)),
		Version:  sessionRecordVersion,
	}
	for _, key := range r.order {
		data, err := r.sessions[key].Serialize()
		if err != nil {
			return nil, err
		}
		out.Sessions[base64.StdEncoding.EncodeToString(key[:])] = data
	}
	return json.Marshal(out)
}

// DeserializeSessionRecord decodes a session record previously produced by
// Serialize. Records with no "version" field, or a version older than the
// current one, are migrated in place: a legacy top-level registrationId
// backfills any session entry missing one.
func DeserializeSessionRecord(data []byte, opts ...RecordOption) (*SessionRecord, error) {
	var envelope sessionRecordJSON
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("ratchet: decode session record: %w", err)
	}
	r := NewSessionRecord(opts...)
	for b64Key, sessData := range envelope.Sessions {
		keyBytes, err := base64.StdEncoding.DecodeString(b64Key)
		if err != nil {
			return nil, fmt.Errorf("ratchet: decode session base key: %w", err)
		}
		baseKey, err := fixedPublicKey(keyBytes)
		if err != nil {
			return nil, err
		}
		entry, err := deserializeSessionEntry(sessData, r.now)
		if err != nil {
			return nil, err
		}
		r.order = append(r.order, baseKey)
		r.sessions[baseKey] = entry
	}
	if envelope.Version != sessionRecordVersion {
		migrateSessionRecordToV1(r, envelope.RegistrationID)
	}
	return r, nil
}

func migrateSessionRecordToV1(r *SessionRecord, topLevelRegistrationID *uint32) {
	if topLevelRegistrationID != nil {
		for _, s := range r.sessions {
			if s.registrationID == 0 {
				s.registrationID = *topLevelRegistrationID
			}
		}
		return
	}
	for _, s := range r.sessions {
		if s.index.closed == -1 && s.registrationID == 0 {
			log.Printf("ratchet: open session is missing a registration id during v1 migration")
		}
	}
}
