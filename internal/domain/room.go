package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidRoomID is returned when a room id is missing, non-numeric or not positive.
var ErrInvalidRoomID = errors.New("invalid room id")

// RoomID identifies a live room.
type RoomID int64

// ParseRoomID parses a decimal room id.
func ParseRoomID(s string) (RoomID, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidRoomID, s)
	}
	id := RoomID(n)
	if err := id.Validate(); err != nil {
		return 0, err
	}
	return id, nil
}

// Validate reports whether the id names a real room.
func (r RoomID) Validate() error {
	if r <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidRoomID, int64(r))
	}
	return nil
}

func (r RoomID) String() string {
	return strconv.FormatInt(int64(r), 10)
}

// UnmarshalJSON accepts both 21452505 and "21452505"; either form decodes
// to the same integer id.
func (r *RoomID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) || len(data) == 0 {
		return fmt.Errorf("%w: missing", ErrInvalidRoomID)
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRoomID, err)
		}
		id, err := ParseRoomID(s)
		if err != nil {
			return err
		}
		*r = id
		return nil
	}

	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidRoomID, data)
	}
	*r = RoomID(n)
	return nil
}
