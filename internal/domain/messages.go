package domain

import (
	"encoding/json"
	"fmt"
)

// Control channel event names.
const (
	EventAvailable      = "Available"
	EventStartListening = "StartListening"
	EventStopListening  = "StopListening"
	EventDanmu          = "Danmu"
)

// Available is the capacity announcement sent to the controller.
// RoomID is null when Status is true.
type Available struct {
	Status bool    `json:"status"`
	RoomID *RoomID `json:"room_id"`
}

// NewAvailable returns a status=true announcement.
func NewAvailable() Available {
	return Available{Status: true}
}

// NewOccupied returns a status=false announcement naming the occupying room.
func NewOccupied(id RoomID) Available {
	return Available{Status: false, RoomID: &id}
}

// ListeningCommand is the payload of StartListening and StopListening.
type ListeningCommand struct {
	RoomID RoomID `json:"room_id"`
}

// DecodeListeningCommand decodes and validates a command payload.
func DecodeListeningCommand(data json.RawMessage) (ListeningCommand, error) {
	var cmd ListeningCommand
	if len(data) == 0 {
		return cmd, fmt.Errorf("%w: empty payload", ErrInvalidRoomID)
	}
	if err := json.Unmarshal(data, &cmd); err != nil {
		return cmd, fmt.Errorf("decode listening command: %w", err)
	}
	if err := cmd.RoomID.Validate(); err != nil {
		return cmd, err
	}
	return cmd, nil
}
