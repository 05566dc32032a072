package ratchet

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
)

// memoryStorage is a minimal in-memory Storage used only by this package's
// own tests; production callers bring their own persistent Storage.
type memoryStorage struct {
	mu             sync.Mutex
	identity       KeyPair
	registrationID uint32
	trusted        map[string]PublicKey
	sessions       map[string][]byte
	preKeys        map[uint32]KeyPair
	signedPreKeys  map[uint32]KeyPair
}

func newMemoryStorage(t interface{ Fatalf(string, ...any) }) *memoryStorage {
	identity, err := GenerateKeyPair(rand.Reader)
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	regID, err := GenerateRegistrationID(rand.Reader)
	if err != nil {
		t.Fatalf("generate registration id: %v", err)
	}
	return &memoryStorage{
		identity:       identity,
		registrationID: regID,
		trusted:        make(map[string]PublicKey),
		sessions:       make(map[string][]byte),
		preKeys:        make(map[uint32]KeyPair),
		signedPreKeys:  make(map[uint32]KeyPair),
	}
}

func (m *memoryStorage) OurIdentity(ctx context.Context) (KeyPair, error) {
	return m.identity, nil
}

func (m *memoryStorage) OurRegistrationID(ctx context.Context) (uint32, error) {
	return m.registrationID, nil
}

func (m *memoryStorage) IsTrustedIdentity(ctx context.Context, peerID string, key PublicKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.trusted[peerID]
	if !ok {
		m.trusted[peerID] = key
		return true, nil
	}
	return existing == key, nil
}

func (m *memoryStorage) LoadSession(ctx context.Context, addr Address) (*SessionRecord, error) {
	m.mu.Lock()
	data, ok := m.sessions[addr.String()]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return DeserializeSessionRecord(data)
}

func (m *memoryStorage) StoreSession(ctx context.Context, addr Address, record *SessionRecord) error {
	data, err := record.Serialize()
	if err != nil {
		return fmt.Errorf("serialize session record: %w", err)
	}
	m.mu.Lock()
	m.sessions[addr.String()] = data
	m.mu.Unlock()
	return nil
}

func (m *memoryStorage) LoadPreKey(ctx context.Context, id uint32) (*KeyPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kp, ok := m.preKeys[id]
	if !ok {
		return nil, nil
	}
	return &kp, nil
}

func (m *memoryStorage) LoadSignedPreKey(ctx context.Context, id uint32) (*KeyPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kp, ok := m.signedPreKeys[id]
	if !ok {
		return nil, nil
	}
	return &kp, nil
}

func (m *memoryStorage) RemovePreKey(ctx context.Context, id uint32) error {
	m.mu.Lock()
	delete(m.preKeys, id)
	m.mu.Unlock()
	return nil
}

func (m *memoryStorage) addPreKey(id uint32, kp KeyPair) {
	m.mu.Lock()
	m.preKeys[id] = kp
	m.mu.Unlock()
}

func (m *memoryStorage) addSignedPreKey(id uint32, kp KeyPair) {
	m.mu.Lock()
	m.signedPreKeys[id] = kp
	m.mu.Unlock()
}
