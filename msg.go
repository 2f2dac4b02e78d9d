package peernet

import (
	"encoding/binary"
	"fmt"

	blakehash "github.com/nodenet/peernet/hash"
)

// Opcode is a byte-wide scalar the user assigns per message type.
// PingOpcode/PongOpcode are reserved by PeerNetwork.
type Opcode uint8

const (
	PingOpcode Opcode = 0xf0
	PongOpcode Opcode = 0xf1
)

// headerSize is opcode(1) + payload length(4) + checksum(4).
const headerSize = 1 + 4 + 4

// maxPayload guards against a corrupt length field turning into a
// multi-gigabyte allocation.
const maxPayload = 64 << 20

// Msg is the fixed-size-header-plus-payload wire message spec.md
// describes: opcode, payload length, checksum, and the payload bytes
// themselves. The checksum is the low 4 bytes of a BLAKE3 digest over the
// payload, mirroring this codebase's own use of glycerine/blake3 for
// content hashing elsewhere.
type Msg struct {
	Opcode   Opcode
	Checksum uint32
	Payload  []byte
}

// NewMsg builds a Msg and computes its checksum from payload.
func NewMsg(op Opcode, payload []byte) *Msg {
	m := &Msg{Opcode: op}
	m.SetPayload(payload)
	return m
}

// SetPayload installs payload and recomputes the checksum so the
// invariant "checksum matches payload" holds by construction.
func (m *Msg) SetPayload(payload []byte) {
	m.Payload = payload
	m.Checksum = checksum(payload)
}

func checksum(payload []byte) uint32 {
	b3 := blakehash.NewBlake3()
	digest := b3.UnlockedDigest264(payload)
	return binary.BigEndian.Uint32(digest[:4])
}

// encode serializes m into its wire form: header followed by payload.
func (m *Msg) encode() []byte {
	buf := make([]byte, headerSize+len(m.Payload))
	buf[0] = byte(m.Opcode)
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(m.Payload)))
	binary.BigEndian.PutUint32(buf[5:9], m.Checksum)
	copy(buf[headerSize:], m.Payload)
	return buf
}

// decodedHeader is the parsed, not-yet-validated fixed portion of a Msg.
type decodedHeader struct {
	opcode        Opcode
	payloadLength uint32
	checksum      uint32
}

func decodeHeader(b []byte) (decodedHeader, error) {
	if len(b) < headerSize {
		return decodedHeader{}, fmt.Errorf("peernet: short header: %d bytes", len(b))
	}
	h := decodedHeader{
		opcode:        Opcode(b[0]),
		payloadLength: binary.BigEndian.Uint32(b[1:5]),
		checksum:      binary.BigEndian.Uint32(b[5:9]),
	}
	if h.payloadLength > maxPayload {
		return decodedHeader{}, fmt.Errorf("peernet: payload length %d exceeds max %d", h.payloadLength, maxPayload)
	}
	return h, nil
}

// encodePingPong builds the little-endian u16 PING/PONG payload.
func encodePingPong(listenPort uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, listenPort)
	return b
}

func decodePingPong(payload []byte) (listenPort uint16, err error) {
	if len(payload) != 2 {
		return 0, fmt.Errorf("peernet: PING/PONG payload must be 2 bytes, got %d", len(payload))
	}
	return binary.LittleEndian.Uint16(payload), nil
}
