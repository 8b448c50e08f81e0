package control

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Engine.IO v4 packet types.
const (
	eioOpen    byte = '0'
	eioClose   byte = '1'
	eioPing    byte = '2'
	eioPong    byte = '3'
	eioMessage byte = '4'
	eioNoop    byte = '6'
)

// Socket.IO v5 packet types.
const (
	sioConnect      byte = '0'
	sioDisconnect   byte = '1'
	sioEvent        byte = '2'
	sioAck          byte = '3'
	sioConnectError byte = '4'
)

// frame is one decoded Engine.IO frame. For message frames the Socket.IO
// fields are filled in.
type frame struct {
	EIO       byte
	Type      byte
	Namespace string
	AckID     int
	HasAck    bool
	Data      json.RawMessage
}

// openPayload is the Engine.IO handshake body.
type openPayload struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}

func nsPrefix(ns string) string {
	if ns == "" || ns == "/" {
		return ""
	}
	return ns + ","
}

func normalizeNamespace(ns string) string {
	if ns == "" {
		return "/"
	}
	if ns[0] != '/' {
		return "/" + ns
	}
	return ns
}

func encodeConnect(ns string) []byte {
	return []byte(string([]byte{eioMessage, sioConnect}) + nsPrefix(ns))
}

func encodeDisconnect(ns string) []byte {
	return []byte(string([]byte{eioMessage, sioDisconnect}) + nsPrefix(ns))
}

func encodePong() []byte {
	return []byte{eioPong}
}

// encodeEvent renders 42[ns,]["event",payload]. Raw payloads are copied verbatim.
func encodeEvent(ns, event string, payload any) ([]byte, error) {
	name, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}

	var data []byte
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		data = p
	case []byte:
		data = p
	default:
		data, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", event, err)
		}
	}

	var buf bytes.Buffer
	buf.Grow(4 + len(ns) + len(name) + len(data))
	buf.WriteByte(eioMessage)
	buf.WriteByte(sioEvent)
	buf.WriteString(nsPrefix(ns))
	buf.WriteByte('[')
	buf.Write(name)
	if data != nil {
		buf.WriteByte(',')
		buf.Write(data)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// decodeFrame parses one text frame.
func decodeFrame(msg []byte) (frame, error) {
	var f frame
	if len(msg) == 0 {
		return f, fmt.Errorf("%w: empty frame", ErrProtocol)
	}
	f.EIO = msg[0]
	rest := msg[1:]
	if f.EIO != eioMessage {
		f.Data = rest
		return f, nil
	}

	if len(rest) == 0 {
		return f, fmt.Errorf("%w: empty message", ErrProtocol)
	}
	f.Type = rest[0]
	if f.Type < sioConnect || f.Type > sioConnectError {
		return f, fmt.Errorf("%w: unsupported packet type %q", ErrProtocol, f.Type)
	}
	rest = rest[1:]

	f.Namespace = "/"
	if len(rest) > 0 && rest[0] == '/' {
		idx := bytes.IndexByte(rest, ',')
		if idx < 0 {
			f.Namespace = string(rest)
			rest = nil
		} else {
			f.Namespace = string(rest[:idx])
			rest = rest[idx+1:]
		}
	}

	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	if i > 0 {
		id, err := strconv.Atoi(string(rest[:i]))
		if err != nil {
			return f, fmt.Errorf("%w: ack id: %v", ErrProtocol, err)
		}
		f.AckID, f.HasAck = id, true
		rest = rest[i:]
	}

	if len(rest) > 0 {
		f.Data = rest
	}
	return f, nil
}

// decodeEvent splits an event array into its name and first argument.
func decodeEvent(data json.RawMessage) (string, json.RawMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return "", nil, fmt.Errorf("%w: event body: %v", ErrProtocol, err)
	}
	if len(parts) == 0 {
		return "", nil, fmt.Errorf("%w: event without name", ErrProtocol)
	}
	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return "", nil, fmt.Errorf("%w: event name: %v", ErrProtocol, err)
	}
	if len(parts) == 1 {
		return name, nil, nil
	}
	return name, parts[1], nil
}
