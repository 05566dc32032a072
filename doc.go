// Package ratchet implements the Double Ratchet session engine and the
// X3DH-derived handshake that seeds it: asynchronous, forward-secret,
// post-compromise-secure pairwise messaging between two endpoints
// identified by (identity, device id) addresses.
//
// # Overview
//
// A session evolves across three KDF chains: a root chain, a sending
// chain, and a receiving chain (one per remote ratchet key ever observed).
// Advancing a chain one step is a one-way function, so compromising a
// chain key at position n never reveals the key at position n-1
// (forward secrecy) or, once the root chain advances past a
// compromised point, the keys that follow (post-compromise security).
//
//	            root key
//	               v
//	            ┌─────┐
//	  DH value > │ KDF │
//	            └──┬──┘
//	               ├─> chain key
//	               v
//	            root key
//
// # Handshake
//
// The initiator derives the first root key from a cascade of
// Diffie-Hellman agreements against the responder's published pre-key
// bundle (identity key, signed pre-key, optional one-time pre-key); the
// responder derives the same root key from the resulting
// PreKeyWhisperMessage. See SessionBuilder.
//
// # Ratchet step
//
// Every reply carries a fresh ephemeral public key. Receiving one that
// hasn't been seen before triggers a Diffie-Hellman ratchet step: the
// current receiving chain is closed, a new receiving chain is derived
// from the peer's new key, the previous sending chain is retired, and a
// new sending chain is derived from a freshly generated key pair. See
// SessionCipher.
//
// # Scope
//
// This package implements the session state machine, the handshake, the
// wire codec for WhisperMessage/PreKeyWhisperMessage, and session record
// lifecycle management. It does not implement persistent storage (see
// Storage), transport, group messaging, or message padding.
package ratchet
