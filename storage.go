package ratchet

import "context"

// SignedPreKey is a pre-key a peer signs with its identity key and
// publishes alongside its bundle, refreshed periodically.
type SignedPreKey struct {
	KeyID     uint32
	Public    PublicKey
	Signature []byte // 64-byte XEdDSA signature by the owner's identity key
}

// OneTimePreKey is one of a batch of single-use pre-keys a peer publishes
// to strengthen X3DH against key compromise impersonation; consumed on
// first use.
type OneTimePreKey struct {
	KeyID  uint32
	Public PublicKey
}

// PreKeyBundle is the public material a peer publishes in advance so a
// session can be opened without an interactive round trip.
type PreKeyBundle struct {
	IdentityKey    PublicKey
	RegistrationID uint32
	SignedPreKey   SignedPreKey
	PreKey         *OneTimePreKey // nil if the bundle ran out of one-time pre-keys
}

// Storage is the narrow capability set the session engine consumes. It
// owns all persistence; the engine never keeps state the caller's Storage
// implementation doesn't also see via one of these calls. Implementations
// must serialize their own access if shared across goroutines outside the
// per-peer queue's guarantee (the queue only serializes calls that share
// an Address).
type Storage interface {
	// OurIdentity returns this device's long-term identity key pair.
	OurIdentity(ctx context.Context) (KeyPair, error)
	// OurRegistrationID returns this device's registration id.
	OurRegistrationID(ctx context.Context) (uint32, error)
	// IsTrustedIdentity reports whether key is an acceptable identity key
	// for peerID: typically "yes" on first use, thereafter "yes" only if
	// it matches what was first seen (trust-on-first-use), unless the
	// caller's policy pins or rotates trust explicitly.
	IsTrustedIdentity(ctx context.Context, peerID string, key PublicKey) (bool, error)

	// LoadSession returns the session record for addr, or (nil, nil) if
	// none exists yet.
	LoadSession(ctx context.Context, addr Address) (*SessionRecord, error)
	// StoreSession persists record as addr's session record.
	StoreSession(ctx context.Context, addr Address, record *SessionRecord) error

	// LoadPreKey returns the one-time pre-key with the given id, or (nil,
	// nil) if it has already been consumed or never existed.
	LoadPreKey(ctx context.Context, id uint32) (*KeyPair, error)
	// LoadSignedPreKey returns the signed pre-key with the given id, or
	// (nil, nil) if unknown.
	LoadSignedPreKey(ctx context.Context, id uint32) (*KeyPair, error)
	// RemovePreKey deletes the one-time pre-key with the given id. It is
	// a no-op, not an error, if the id is already gone.
	RemovePreKey(ctx context.Context, id uint32) error
}
