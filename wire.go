package ratchet

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	protocolVersion       = 3
	versionByte           = byte(protocolVersion<<4) | protocolVersion
	minWhisperMessageSize = 9
	minPreKeyMessageSize  = 2
)

// checkVersionByte validates a message's leading version byte: the high
// nibble is this message's version and must be at least the version this
// implementation speaks; the low nibble is the oldest version the sender
// can still understand and must not exceed it.
func checkVersionByte(b byte) error {
	hi, lo := b>>4, b&0x0f
	if hi < protocolVersion || lo > protocolVersion {
		return ErrIncompatibleVersion
	}
	return nil
}

// whisperMessage is the steady-state Double Ratchet envelope: a sender
// ratchet public key, its position in the sending chain, the previous
// chain's final counter, and the AES-CBC ciphertext. Field tags match the
// long-stable libsignal WhisperMessage layout.
type whisperMessage struct {
	ephemeralKey    PublicKey
	counter         uint32
	previousCounter uint32
	ciphertext      []byte
}

const (
	tagWMEphemeralKey    protowire.Number = 1
	tagWMCounter         protowire.Number = 2
	tagWMPreviousCounter protowire.Number = 3
	tagWMCiphertext      protowire.Number = 4
)

func (m whisperMessage) encode() []byte {
	var b []byte
	b = protowire.AppendTag(b, tagWMEphemeralKey, protowire.BytesType)
	b = protowire.AppendBytes(b, m.ephemeralKey[:])
	b = protowire.AppendTag(b, tagWMCounter, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.counter))
	b = protowire.AppendTag(b, tagWMPreviousCounter, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.previousCounter))
	b = protowire.AppendTag(b, tagWMCiphertext, protowire.BytesType)
	b = protowire.AppendBytes(b, m.ciphertext)
	return b
}

func decodeWhisperMessage(data []byte) (whisperMessage, error) {
	var m whisperMessage
	var haveEphemeral, haveCounter, havePrevious bool
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return whisperMessage{}, fmt.Errorf("%w: malformed WhisperMessage tag", ErrInvalidArgument)
		}
		data = data[n:]
		switch num {
		case tagWMEphemeralKey:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return whisperMessage{}, fmt.Errorf("%w: malformed WhisperMessage.ephemeralKey", ErrInvalidArgument)
			}
			data = data[n:]
			pk, err := fixedPublicKey(v)
			if err != nil {
				return whisperMessage{}, err
			}
			m.ephemeralKey = pk
			haveEphemeral = true
		case tagWMCounter:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return whisperMessage{}, fmt.Errorf("%w: malformed WhisperMessage.counter", ErrInvalidArgument)
			}
			data = data[n:]
			m.counter = uint32(v)
			haveCounter = true
		case tagWMPreviousCounter:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return whisperMessage{}, fmt.Errorf("%w: malformed WhisperMessage.previousCounter", ErrInvalidArgument)
			}
			data = data[n:]
			m.previousCounter = uint32(v)
			havePrevious = true
		case tagWMCiphertext:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return whisperMessage{}, fmt.Errorf("%w: malformed WhisperMessage.ciphertext", ErrInvalidArgument)
			}
			data = data[n:]
			m.ciphertext = append([]byte(nil), v...)
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return whisperMessage{}, fmt.Errorf("%w: malformed WhisperMessage: unknown field %d", ErrInvalidArgument, num)
			}
			data = data[n:]
		}
	}
	if !haveEphemeral || !haveCounter || !havePrevious {
		return whisperMessage{}, fmt.Errorf("%w: WhisperMessage missing a required field", ErrInvalidArgument)
	}
	return m, nil
}

// preKeyWhisperMessage wraps a whisperMessage with the handshake material
// a responder needs to derive the same session: the sender's identity and
// base keys plus which of the responder's pre-keys were used. Field tags
// match the long-stable libsignal PreKeyWhisperMessage layout.
type preKeyWhisperMessage struct {
	registrationID    uint32
	hasRegistrationID bool // set on decode; registrationID is a required field
	preKeyID          *uint32
	signedPreKeyID    uint32
	baseKey           PublicKey
	identityKey       PublicKey
	message           []byte // an encoded, version-prefixed whisperMessage
}

const (
	tagPKPreKeyID       protowire.Number = 1
	tagPKBaseKey        protowire.Number = 2
	tagPKIdentityKey    protowire.Number = 3
	tagPKMessage        protowire.Number = 4
	tagPKRegistrationID protowire.Number = 5
	tagPKSignedPreKeyID protowire.Number = 6
)

func (m preKeyWhisperMessage) encode() []byte {
	var b []byte
	b = protowire.AppendTag(b, tagPKRegistrationID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.registrationID))
	if m.preKeyID != nil {
		b = protowire.AppendTag(b, tagPKPreKeyID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(*m.preKeyID))
	}
	b = protowire.AppendTag(b, tagPKSignedPreKeyID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.signedPreKeyID))
	b = protowire.AppendTag(b, tagPKBaseKey, protowire.BytesType)
	b = protowire.AppendBytes(b, m.baseKey[:])
	b = protowire.AppendTag(b, tagPKIdentityKey, protowire.BytesType)
	b = protowire.AppendBytes(b, m.identityKey[:])
	b = protowire.AppendTag(b, tagPKMessage, protowire.BytesType)
	b = protowire.AppendBytes(b, m.message)
	return b
}

func decodePreKeyWhisperMessage(data []byte) (preKeyWhisperMessage, error) {
	var m preKeyWhisperMessage
	var haveBaseKey, haveIdentity, haveMessage, haveSigned bool
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return preKeyWhisperMessage{}, fmt.Errorf("%w: malformed PreKeyWhisperMessage tag", ErrInvalidArgument)
		}
		data = data[n:]
		switch num {
		case tagPKRegistrationID:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return preKeyWhisperMessage{}, fmt.Errorf("%w: malformed PreKeyWhisperMessage.registrationId", ErrInvalidArgument)
			}
			data = data[n:]
			m.registrationID = uint32(v)
			m.hasRegistrationID = true
		case tagPKPreKeyID:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return preKeyWhisperMessage{}, fmt.Errorf("%w: malformed PreKeyWhisperMessage.preKeyId", ErrInvalidArgument)
			}
			data = data[n:]
			id := uint32(v)
			m.preKeyID = &id
		case tagPKSignedPreKeyID:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return preKeyWhisperMessage{}, fmt.Errorf("%w: malformed PreKeyWhisperMessage.signedPreKeyId", ErrInvalidArgument)
			}
			data = data[n:]
			m.signedPreKeyID = uint32(v)
			haveSigned = true
		case tagPKBaseKey:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return preKeyWhisperMessage{}, fmt.Errorf("%w: malformed PreKeyWhisperMessage.baseKey", ErrInvalidArgument)
			}
			data = data[n:]
			pk, err := fixedPublicKey(v)
			if err != nil {
				return preKeyWhisperMessage{}, err
			}
			m.baseKey = pk
			haveBaseKey = true
		case tagPKIdentityKey:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return preKeyWhisperMessage{}, fmt.Errorf("%w: malformed PreKeyWhisperMessage.identityKey", ErrInvalidArgument)
			}
			data = data[n:]
			pk, err := fixedPublicKey(v)
			if err != nil {
				return preKeyWhisperMessage{}, err
			}
			m.identityKey = pk
			haveIdentity = true
		case tagPKMessage:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return preKeyWhisperMessage{}, fmt.Errorf("%w: malformed PreKeyWhisperMessage.message", ErrInvalidArgument)
			}
			data = data[n:]
			m.message = append([]byte(nil), v...)
			haveMessage = true
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return preKeyWhisperMessage{}, fmt.Errorf("%w: malformed PreKeyWhisperMessage: unknown field %d", ErrInvalidArgument, num)
			}
			data = data[n:]
		}
	}
	if !haveBaseKey || !haveIdentity || !haveMessage || !haveSigned || !m.hasRegistrationID {
		return preKeyWhisperMessage{}, fmt.Errorf("%w: PreKeyWhisperMessage missing a required field", ErrInvalidArgument)
	}
	return m, nil
}
