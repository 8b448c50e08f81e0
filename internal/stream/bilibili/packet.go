package bilibili

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// ErrUnsupportedProtocol is returned for brotli compressed batches.
var ErrUnsupportedProtocol = errors.New("unsupported packet protocol")

// ErrMalformedPacket is returned when a frame cannot be split into packets.
var ErrMalformedPacket = errors.New("malformed packet")

const headerLen = 16

// maxInflated caps a decompressed batch.
const maxInflated = 16 << 20

// Protocol versions.
const (
	protoJSON   uint16 = 0
	protoInt    uint16 = 1
	protoZlib   uint16 = 2
	protoBrotli uint16 = 3
)

// Operations.
const (
	opHeartbeat      uint32 = 2
	opHeartbeatReply uint32 = 3
	opCommand        uint32 = 5
	opAuth           uint32 = 7
	opAuthReply      uint32 = 8
)

type packet struct {
	ProtoVer uint16
	Op       uint32
	Seq      uint32
	Body     []byte
}

func encodePacket(p packet) []byte {
	buf := make([]byte, headerLen+len(p.Body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(buf)))
	binary.BigEndian.PutUint16(buf[4:6], headerLen)
	binary.BigEndian.PutUint16(buf[6:8], p.ProtoVer)
	binary.BigEndian.PutUint32(buf[8:12], p.Op)
	binary.BigEndian.PutUint32(buf[12:16], p.Seq)
	copy(buf[headerLen:], p.Body)
	return buf
}

// decodePackets splits a websocket frame into packets, inflating zlib batches.
func decodePackets(data []byte) ([]packet, error) {
	var out []packet
	for len(data) > 0 {
		if len(data) < headerLen {
			return out, fmt.Errorf("%w: %d trailing bytes", ErrMalformedPacket, len(data))
		}
		total := binary.BigEndian.Uint32(data[0:4])
		hlen := binary.BigEndian.Uint16(data[4:6])
		if total < uint32(hlen) || hlen < headerLen || uint64(total) > uint64(len(data)) {
			return out, fmt.Errorf("%w: length %d header %d of %d", ErrMalformedPacket, total, hlen, len(data))
		}

		p := packet{
			ProtoVer: binary.BigEndian.Uint16(data[6:8]),
			Op:       binary.BigEndian.Uint32(data[8:12]),
			Seq:      binary.BigEndian.Uint32(data[12:16]),
			Body:     data[hlen:total],
		}
		data = data[total:]

		switch p.ProtoVer {
		case protoZlib:
			inner, err := inflate(p.Body)
			if err != nil {
				return out, err
			}
			nested, err := decodePackets(inner)
			out = append(out, nested...)
			if err != nil {
				return out, err
			}
		case protoBrotli:
			return out, fmt.Errorf("%w: brotli", ErrUnsupportedProtocol)
		default:
			out = append(out, p)
		}
	}
	return out, nil
}

func inflate(body []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: zlib: %v", ErrMalformedPacket, err)
	}
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, maxInflated+1))
	if err != nil {
		return nil, fmt.Errorf("%w: zlib: %v", ErrMalformedPacket, err)
	}
	if len(out) > maxInflated {
		return nil, fmt.Errorf("%w: batch inflates beyond %d bytes", ErrMalformedPacket, maxInflated)
	}
	return out, nil
}
