// Package wire implements the packet formats that cross the network
// boundary of the bridge.
//
// Two kinds of traffic exist: compact binary audio datagrams carried over
// the bulk UDP path, and JSON control messages carried over the persistent
// control connection. Audio datagrams are the latency-critical format and
// use a fixed seven byte header; control messages favour debuggability over
// size.
//
// Example:
//
//	pkt := &wire.AudioPacket{ChannelID: 2, Sequence: 17, Payload: opusFrame}
//	data, err := pkt.Serialize()
//	if err != nil {
//	    log.Fatal(err)
//	}
package wire

import (
	"encoding/binary"
	"errors"
)

// PacketType identifies the type of a datagram on the bulk audio path.
type PacketType byte

const (
	// PacketAudio carries one compressed audio frame.
	PacketAudio PacketType = iota + 1
	// PacketKeepAlive maintains the NAT mapping toward the server.
	PacketKeepAlive
)

// MaxDatagramSize bounds a single datagram on the audio path. Larger
// receives are truncated by the socket layer and dropped on parse.
const MaxDatagramSize = 8192

// audioHeaderSize is type (1) + channel (2) + sequence (4).
const audioHeaderSize = 7

// ErrShortPacket is returned when a datagram is too small to contain the
// audio header, or when the payload is empty.
var ErrShortPacket = errors.New("wire: packet too short")

// AudioPacket is one compressed audio frame tagged with its channel and
// sequence number. It is the only audio object that crosses the process
// boundary.
type AudioPacket struct {
	ChannelID uint16
	Sequence  uint32
	Payload   []byte
}

// Serialize converts the packet to wire bytes.
//
// Format: [type (1 byte)][channel id (2 bytes BE)][sequence (4 bytes BE)]
// [payload (variable length)].
func (p *AudioPacket) Serialize() ([]byte, error) {
	if len(p.Payload) == 0 {
		return nil, ErrShortPacket
	}

	result := make([]byte, audioHeaderSize+len(p.Payload))
	result[0] = byte(PacketAudio)
	binary.BigEndian.PutUint16(result[1:3], p.ChannelID)
	binary.BigEndian.PutUint32(result[3:7], p.Sequence)
	copy(result[audioHeaderSize:], p.Payload)

	return result, nil
}

// ParseAudioPacket converts wire bytes back into an AudioPacket. The
// payload is copied so the caller may reuse its receive buffer.
func ParseAudioPacket(data []byte) (*AudioPacket, error) {
	if len(data) <= audioHeaderSize {
		return nil, ErrShortPacket
	}
	if PacketType(data[0]) != PacketAudio {
		return nil, errors.New("wire: not an audio packet")
	}

	pkt := &AudioPacket{
		ChannelID: binary.BigEndian.Uint16(data[1:3]),
		Sequence:  binary.BigEndian.Uint32(data[3:7]),
		Payload:   make([]byte, len(data)-audioHeaderSize),
	}
	copy(pkt.Payload, data[audioHeaderSize:])

	return pkt, nil
}

// KeepAliveDatagram returns the fixed datagram that refreshes the server's
// NAT mapping for our socket.
func KeepAliveDatagram() []byte {
	return []byte{byte(PacketKeepAlive)}
}

// IsKeepAlive reports whether data is a keepalive datagram.
func IsKeepAlive(data []byte) bool {
	return len(data) == 1 && PacketType(data[0]) == PacketKeepAlive
}
