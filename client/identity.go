package client

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	identitySize     = 32
	connectionIDSize = 16
)

// Identity is the 32-byte public identity the server assigns to a
// connection's credentials.
type Identity struct {
	data [identitySize]byte
}

// NewIdentity builds an Identity from exactly 32 bytes.
func NewIdentity(data []byte) (Identity, error) {
	var id Identity
	if len(data) != identitySize {
		return id, fmt.Errorf("identity requires %d bytes, got %d", identitySize, len(data))
	}
	copy(id.data[:], data)
	return id, nil
}

// IdentityFromHex parses an identity from its hex form, with or without a
// leading 0x.
func IdentityFromHex(s string) (Identity, error) {
	data, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return Identity{}, fmt.Errorf("invalid identity hex: %w", err)
	}
	return NewIdentity(data)
}

// Bytes returns a copy of the raw identity bytes.
func (i Identity) Bytes() []byte {
	out := make([]byte, identitySize)
	copy(out, i.data[:])
	return out
}

// Hex returns the 0x-prefixed hex form.
func (i Identity) Hex() string {
	return "0x" + hex.EncodeToString(i.data[:])
}

// IsZero reports whether the identity is unset.
func (i Identity) IsZero() bool {
	return i.data == [identitySize]byte{}
}

func (i Identity) String() string {
	return i.Hex()
}

type identityJSON struct {
	Identity string `json:"__identity__"`
}

// MarshalJSON emits the wire wrapper {"__identity__": "<hex>"}.
func (i Identity) MarshalJSON() ([]byte, error) {
	return json.Marshal(identityJSON{Identity: i.Hex()})
}

// UnmarshalJSON accepts the wire wrapper or a bare hex string.
func (i *Identity) UnmarshalJSON(data []byte) error {
	var wrapped identityJSON
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Identity != "" {
		parsed, err := IdentityFromHex(wrapped.Identity)
		if err != nil {
			return err
		}
		*i = parsed
		return nil
	}
	var bare string
	if err := json.Unmarshal(data, &bare); err != nil {
		return fmt.Errorf("identity must be a hex string or {\"__identity__\": ...}: %w", err)
	}
	parsed, err := IdentityFromHex(bare)
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// ConnectionID is the 16-byte identifier the server assigns to one
// websocket connection.
type ConnectionID struct {
	data [connectionIDSize]byte
}

// NewConnectionID builds a ConnectionID from exactly 16 bytes.
func NewConnectionID(data []byte) (ConnectionID, error) {
	var id ConnectionID
	if len(data) != connectionIDSize {
		return id, fmt.Errorf("connection id requires %d bytes, got %d", connectionIDSize, len(data))
	}
	copy(id.data[:], data)
	return id, nil
}

// RandomConnectionID returns a fresh random connection id.
func RandomConnectionID() ConnectionID {
	u := uuid.New()
	var id ConnectionID
	copy(id.data[:], u[:])
	return id
}

// ConnectionIDFromHex parses a connection id from its hex form.
func ConnectionIDFromHex(s string) (ConnectionID, error) {
	data, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return ConnectionID{}, fmt.Errorf("invalid connection id hex: %w", err)
	}
	return NewConnectionID(data)
}

// Bytes returns a copy of the raw connection id bytes.
func (c ConnectionID) Bytes() []byte {
	out := make([]byte, connectionIDSize)
	copy(out, c.data[:])
	return out
}

// Hex returns the 0x-prefixed hex form.
func (c ConnectionID) Hex() string {
	return "0x" + hex.EncodeToString(c.data[:])
}

// AsU64Pair splits the id into two little-endian u64 halves, low half
// first.
func (c ConnectionID) AsU64Pair() (uint64, uint64) {
	return binary.LittleEndian.Uint64(c.data[:8]), binary.LittleEndian.Uint64(c.data[8:])
}

// IsZero reports whether the connection id is unset.
func (c ConnectionID) IsZero() bool {
	return c.data == [connectionIDSize]byte{}
}

func (c ConnectionID) String() string {
	return c.Hex()
}

type connectionIDJSON struct {
	ConnectionID string `json:"__connection_id__"`
}

// MarshalJSON emits the wire wrapper {"__connection_id__": "<hex>"}.
func (c ConnectionID) MarshalJSON() ([]byte, error) {
	return json.Marshal(connectionIDJSON{ConnectionID: c.Hex()})
}

// UnmarshalJSON accepts the hex wrapper, a bare hex string, or the numeric
// wrapper some servers emit.
func (c *ConnectionID) UnmarshalJSON(data []byte) error {
	var wrapped connectionIDJSON
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.ConnectionID != "" {
		parsed, err := ConnectionIDFromHex(wrapped.ConnectionID)
		if err != nil {
			return err
		}
		*c = parsed
		return nil
	}
	var numeric struct {
		ConnectionID *uint64 `json:"__connection_id__"`
	}
	if err := json.Unmarshal(data, &numeric); err == nil && numeric.ConnectionID != nil {
		var id ConnectionID
		binary.LittleEndian.PutUint64(id.data[:8], *numeric.ConnectionID)
		*c = id
		return nil
	}
	var bare string
	if err := json.Unmarshal(data, &bare); err != nil {
		return fmt.Errorf("connection id must be hex or {\"__connection_id__\": ...}: %w", err)
	}
	parsed, err := ConnectionIDFromHex(bare)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Timestamp is a point in time in microseconds since the Unix epoch.
type Timestamp struct {
	Micros uint64 `json:"__timestamp_micros_since_unix_epoch__"`
}

// Time converts the timestamp to a time.Time.
func (t Timestamp) Time() time.Time {
	return time.UnixMicro(int64(t.Micros))
}

// TimeDuration is an elapsed duration in microseconds.
type TimeDuration struct {
	Micros uint64 `json:"__time_duration_micros__"`
}

// Duration converts to a time.Duration.
func (d TimeDuration) Duration() time.Duration {
	return time.Duration(d.Micros) * time.Microsecond
}

// EnergyQuanta is the server-side execution budget a reducer call consumed.
type EnergyQuanta struct {
	Quanta uint64 `json:"quanta"`
}
