package control

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeEventRawPayloadVerbatim(t *testing.T) {
	raw := json.RawMessage(`{"cmd":"DANMU_MSG", "info":[[0,1],"hi"]}`)
	msg, err := encodeEvent("/", "Danmu", raw)
	require.NoError(t, err)
	assert.Equal(t, `42["Danmu",{"cmd":"DANMU_MSG", "info":[[0,1],"hi"]}]`, string(msg))
}

func TestEncodeEventNamespaceAndStruct(t *testing.T) {
	msg, err := encodeEvent("/yomiuri", "Available", map[string]any{"status": true})
	require.NoError(t, err)
	assert.Equal(t, `42/yomiuri,["Available",{"status":true}]`, string(msg))

	msg, err = encodeEvent("/", "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, `42["ping"]`, string(msg))
}

func TestEncodeConnect(t *testing.T) {
	assert.Equal(t, "40", string(encodeConnect("/")))
	assert.Equal(t, "40/yomiuri,", string(encodeConnect("/yomiuri")))
	assert.Equal(t, "41/yomiuri,", string(encodeDisconnect("/yomiuri")))
	assert.Equal(t, "/yomiuri", normalizeNamespace("yomiuri"))
	assert.Equal(t, "/", normalizeNamespace(""))
}

func TestDecodeFrame(t *testing.T) {
	f, err := decodeFrame([]byte(`0{"sid":"abc","pingInterval":25000,"pingTimeout":20000}`))
	require.NoError(t, err)
	assert.Equal(t, eioOpen, f.EIO)
	var open openPayload
	require.NoError(t, json.Unmarshal(f.Data, &open))
	assert.Equal(t, 25000, open.PingInterval)

	f, err = decodeFrame([]byte(`42/yomiuri,17["StartListening",{"room_id":100}]`))
	require.NoError(t, err)
	assert.Equal(t, eioMessage, f.EIO)
	assert.Equal(t, sioEvent, f.Type)
	assert.Equal(t, "/yomiuri", f.Namespace)
	assert.True(t, f.HasAck)
	assert.Equal(t, 17, f.AckID)

	name, arg, err := decodeEvent(f.Data)
	require.NoError(t, err)
	assert.Equal(t, "StartListening", name)
	assert.JSONEq(t, `{"room_id":100}`, string(arg))

	f, err = decodeFrame([]byte(`40`))
	require.NoError(t, err)
	assert.Equal(t, sioConnect, f.Type)
	assert.Equal(t, "/", f.Namespace)
	assert.Nil(t, f.Data)

	f, err = decodeFrame([]byte(`44/admin,{"message":"nope"}`))
	require.NoError(t, err)
	assert.Equal(t, sioConnectError, f.Type)
	assert.Equal(t, "/admin", f.Namespace)

	f, err = decodeFrame([]byte(`2`))
	require.NoError(t, err)
	assert.Equal(t, eioPing, f.EIO)
}

func TestDecodeFrameErrors(t *testing.T) {
	for _, bad := range []string{"", "4", "45[]", "49"} {
		_, err := decodeFrame([]byte(bad))
		assert.True(t, errors.Is(err, ErrProtocol), bad)
	}

	_, _, err := decodeEvent(json.RawMessage(`[]`))
	assert.True(t, errors.Is(err, ErrProtocol))
	_, _, err = decodeEvent(json.RawMessage(`[1]`))
	assert.True(t, errors.Is(err, ErrProtocol))

	name, arg, err := decodeEvent(json.RawMessage(`["disconnect"]`))
	require.NoError(t, err)
	assert.Equal(t, "disconnect", name)
	assert.Nil(t, arg)
}
