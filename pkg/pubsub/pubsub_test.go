package pubsub

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelToTopicAndKey(t *testing.T) {
	topic, key, err := channelToTopicAndKey(DanmuArchiveChannel("21452505"))
	require.NoError(t, err)
	assert.Equal(t, "danmu-to-archive", topic)
	assert.Equal(t, "21452505", key)

	_, _, err = channelToTopicAndKey("danmu:21452505")
	assert.Error(t, err)
	_, _, err = channelToTopicAndKey("danmu:room:1:archive")
	assert.Error(t, err)
}

func TestNewEventKeepsRawPayload(t *testing.T) {
	raw := json.RawMessage(`{"cmd": "DANMU_MSG",  "info":[1]}`)
	evt, err := NewEvent(EventDanmu, "100", raw)
	require.NoError(t, err)
	assert.Equal(t, string(raw), string(evt.Payload))

	evt, err = NewEvent(EventDanmu, "100", map[string]int{"a": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(evt.Payload))
}

func TestNewPublisherRejectsUnknownDriver(t *testing.T) {
	_, err := NewPublisher(Config{Driver: "nats"})
	assert.Error(t, err)
}

func TestDefaultConfigTopicMatchesChannel(t *testing.T) {
	topic, _, err := channelToTopicAndKey(DanmuArchiveChannel("1"))
	require.NoError(t, err)
	assert.Contains(t, DefaultConfig().Kafka.Topics, topic)
}
