package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// RoomType scopes a room to a server channel or a direct-message thread.
type RoomType string

const (
	RoomChannel RoomType = "channel"
	RoomDM      RoomType = "dm"
)

// Valid reports whether t is a known room type.
func (t RoomType) Valid() bool {
	return t == RoomChannel || t == RoomDM
}

// RoomID is a room identifier. Browser clients send numeric ids, so it
// decodes from either a JSON string or a JSON number and always encodes as
// a string.
type RoomID string

// UnmarshalJSON accepts "42" and 42 alike.
func (id *RoomID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = RoomID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("room id must be a string or number: %w", err)
	}
	*id = RoomID(n.String())
	return nil
}

// RoomKey identifies a logical broadcast scope. Rooms exist only as the set
// of connections currently subscribed to a key.
type RoomKey struct {
	Type RoomType
	ID   string
}

// Channel returns the key of a server channel room.
func Channel(id string) RoomKey { return RoomKey{Type: RoomChannel, ID: id} }

// DM returns the key of a direct-message room.
func DM(id string) RoomKey { return RoomKey{Type: RoomDM, ID: id} }

// Validate checks that the key can be routed.
func (k RoomKey) Validate() error {
	if !k.Type.Valid() {
		return fmt.Errorf("invalid room type %q", k.Type)
	}
	if strings.TrimSpace(k.ID) == "" {
		return fmt.Errorf("empty room id")
	}
	return nil
}

// IsZero reports whether the key is unset.
func (k RoomKey) IsZero() bool { return k.Type == "" && k.ID == "" }

func (k RoomKey) String() string {
	return string(k.Type) + ":" + k.ID
}

// ParseRoomKey parses the "<type>:<id>" form produced by String.
func ParseRoomKey(s string) (RoomKey, error) {
	typ, id, ok := strings.Cut(s, ":")
	if !ok {
		return RoomKey{}, fmt.Errorf("malformed room key %q", s)
	}
	k := RoomKey{Type: RoomType(typ), ID: id}
	if err := k.Validate(); err != nil {
		return RoomKey{}, err
	}
	return k, nil
}
