package pubsub

import "fmt"

// Channel naming conventions. Channels follow {prefix}:room:{roomID}:to_{target}
// so the Kafka driver can map them onto a fixed topic keyed by room.
const (
	// Bridge -> archive channel for relayed room events.
	ChannelDanmuToArchive = "danmu:room:%s:to_archive"
)

// Event types.
const (
	EventDanmu = "danmu"
)

// DanmuArchiveChannel returns the archive channel name for a room.
func DanmuArchiveChannel(roomID string) string {
	return fmt.Sprintf(ChannelDanmuToArchive, roomID)
}
