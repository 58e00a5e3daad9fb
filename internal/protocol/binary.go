package protocol

import "strings"

// Binary tunnel frame layout: [36 bytes tunnel id][1 byte flags][payload].
// The id is right-padded; some gateway versions pad with NUL, some with
// spaces. Both are accepted on ingress, NUL is emitted on egress.
const (
	TunnelIDLen     = 36
	BinaryHeaderLen = 37
	FlagTunnelData  = 0x00
	FlagTunnelEOF   = 0x01
)

// BinaryFrame is a decoded tunnel relay frame.
type BinaryFrame struct {
	TunnelID string
	EOF      bool
	Payload  []byte
}

// DecodeBinaryFrame parses an inbound binary frame. Frames shorter than the
// header are not an error, just noise: ok is false and the frame is dropped.
func DecodeBinaryFrame(raw []byte) (BinaryFrame, bool) {
	if len(raw) < BinaryHeaderLen {
		return BinaryFrame{}, false
	}
	id := strings.TrimRight(string(raw[:TunnelIDLen]), "\x00 \t")
	return BinaryFrame{
		TunnelID: id,
		EOF:      raw[TunnelIDLen]&FlagTunnelEOF != 0,
		Payload:  raw[BinaryHeaderLen:],
	}, true
}

// EncodeBinaryFrame builds an outbound tunnel frame. Ids longer than 36
// bytes are truncated; shorter ids are NUL-padded.
func EncodeBinaryFrame(tunnelID string, payload []byte, eof bool) []byte {
	frame := make([]byte, BinaryHeaderLen+len(payload))
	copy(frame[:TunnelIDLen], tunnelID)
	if eof {
		frame[TunnelIDLen] = FlagTunnelEOF
	}
	copy(frame[BinaryHeaderLen:], payload)
	return frame
}
