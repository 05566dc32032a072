package ratchet

import (
	"fmt"
	"strconv"
	"strings"
)

// Address identifies one of a peer's devices: an opaque id (a username,
// phone number, or UUID; the engine never inspects it) paired with a
// device id distinguishing that peer's separate installations.
type Address struct {
	id       string
	deviceID uint32
}

// NewAddress constructs an Address. id must not contain '.', which is
// reserved as the separator in the canonical string encoding.
func NewAddress(id string, deviceID uint32) (Address, error) {
	if id == "" {
		return Address{}, fmt.Errorf("%w: empty address id", ErrInvalidArgument)
	}
	if strings.Contains(id, ".") {
		return Address{}, fmt.Errorf("%w: address id %q must not contain '.'", ErrInvalidArgument, id)
	}
	return Address{id: id, deviceID: deviceID}, nil
}

// ParseAddress parses the canonical "id.device_id" encoding, splitting on
// the last '.' so that ids containing dots still round-trip.
func ParseAddress(encoded string) (Address, error) {
	i := strings.LastIndex(encoded, ".")
	if i <= 0 {
		return Address{}, fmt.Errorf("%w: malformed address %q", ErrInvalidArgument, encoded)
	}
	id, devicePart := encoded[:i], encoded[i+1:]
	n, err := strconv.ParseUint(devicePart, 10, 32)
	if err != nil {
		return Address{}, fmt.Errorf("%w: malformed device id in %q: %v", ErrInvalidArgument, encoded, err)
	}
	return Address{id: id, deviceID: uint32(n)}, nil
}

// ID returns the peer id, exactly as supplied to NewAddress/ParseAddress.
func (a Address) ID() string { return a.id }

// DeviceID returns the device id.
func (a Address) DeviceID() uint32 { return a.deviceID }

// String returns the canonical "id.device_id" encoding used as the peer
// queue's bucket key and as the on-disk session record key.
func (a Address) String() string {
	return a.id + "." + strconv.FormatUint(uint64(a.deviceID), 10)
}

// Equal reports whether two addresses name the same device.
func (a Address) Equal(o Address) bool {
	return a.id == o.id && a.deviceID == o.deviceID
}
