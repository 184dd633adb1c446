// File: protocol/frame.go
// Package protocol implements the WebSocket frame codec with frame size enforcement.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Decoding works on accumulated bytes so that partial reads from a
// non-blocking socket can be retried once more data arrives.

package protocol

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"unicode/utf8"
)

var (
	ErrFrameTooLarge     = errors.New("frame payload exceeds maximum allowed size")
	ErrReservedBits      = errors.New("reserved bits set without negotiated extension")
	ErrBadControlFrame   = errors.New("control frame fragmented or oversized")
	ErrUnexpectedOpcode  = errors.New("unexpected opcode in fragment sequence")
	ErrInvalidCloseFrame = errors.New("invalid close frame payload")
)

// WSFrame represents a decoded WebSocket frame.
type WSFrame struct {
	IsFinal    bool  // FIN bit
	Opcode     byte  // Operation code
	Masked     bool  // Whether the frame was masked
	PayloadLen int64 // Actual payload length
	MaskKey    [4]byte
	Payload    []byte // unmasked payload, owned by the frame
}

// NewFrame builds a final frame. Client frames must be masked; the key is
// drawn from crypto/rand.
func NewFrame(opcode byte, payload []byte, mask bool) *WSFrame {
	f := &WSFrame{
		IsFinal:    true,
		Opcode:     opcode,
		Masked:     mask,
		PayloadLen: int64(len(payload)),
		Payload:    payload,
	}
	if mask {
		f.MaskKey = NewMaskKey()
	}
	return f
}

// NewMaskKey returns a fresh random masking key.
func NewMaskKey() [4]byte {
	var key [4]byte
	if _, err := rand.Read(key[:]); err != nil {
		// crypto/rand does not fail on supported platforms
		panic(err)
	}
	return key
}

// DecodeFrameFromBytes parses one frame from the head of raw, enforcing
// limit on the payload size. It returns the frame and the number of bytes
// consumed. If raw holds an incomplete frame it returns (nil, 0, nil).
func DecodeFrameFromBytes(raw []byte, limit int64) (*WSFrame, int, error) {
	if len(raw) < 2 {
		return nil, 0, nil // Incomplete
	}
	if raw[0]&0x70 != 0 {
		return nil, 0, ErrReservedBits
	}
	fin := raw[0]&FinBit != 0
	opcode := raw[0] & 0x0F
	masked := raw[1]&MaskBit != 0
	length := int64(raw[1] & 0x7F)
	offset := 2

	switch length {
	case 126:
		if len(raw) < offset+2 {
			return nil, 0, nil
		}
		length = int64(binary.BigEndian.Uint16(raw[offset:]))
		offset += 2
	case 127:
		if len(raw) < offset+8 {
			return nil, 0, nil
		}
		length = int64(binary.BigEndian.Uint64(raw[offset:]))
		offset += 8
	}

	if IsControl(opcode) && (!fin || length > MaxControlPayloadLen) {
		return nil, 0, ErrBadControlFrame
	}
	if length < 0 || (limit > 0 && length > limit) {
		return nil, 0, ErrFrameTooLarge
	}

	var maskKey [4]byte
	if masked {
		if len(raw) < offset+4 {
			return nil, 0, nil
		}
		copy(maskKey[:], raw[offset:offset+4])
		offset += 4
	}

	totalLen := offset + int(length)
	if len(raw) < totalLen {
		return nil, 0, nil
	}

	payload := make([]byte, length)
	copy(payload, raw[offset:totalLen])
	if masked {
		maskInPlace(payload, maskKey)
	}

	return &WSFrame{
		IsFinal:    fin,
		Opcode:     opcode,
		Masked:     masked,
		PayloadLen: length,
		MaskKey:    maskKey,
		Payload:    payload,
	}, totalLen, nil
}

// EncodeFrameToBuffer serializes f into dst, reusing its capacity. The
// returned slice aliases dst. f.Payload is left untouched.
func EncodeFrameToBuffer(f *WSFrame, dst []byte) ([]byte, error) {
	plen := len(f.Payload)
	if int64(plen) != f.PayloadLen {
		f.PayloadLen = int64(plen)
	}
	if IsControl(f.Opcode) && plen > MaxControlPayloadLen {
		return nil, ErrBadControlFrame
	}

	var b0 byte
	if f.IsFinal {
		b0 = FinBit
	}
	b0 |= f.Opcode & 0x0F

	var maskBit byte
	if f.Masked {
		maskBit = MaskBit
	}

	var hdr [MaxFrameHeaderLen]byte
	hdr[0] = b0
	n := 2
	switch {
	case plen <= 125:
		hdr[1] = byte(plen) | maskBit
	case plen <= 0xFFFF:
		hdr[1] = 126 | maskBit
		binary.BigEndian.PutUint16(hdr[2:], uint16(plen))
		n += 2
	default:
		hdr[1] = 127 | maskBit
		binary.BigEndian.PutUint64(hdr[2:], uint64(plen))
		n += 8
	}
	if f.Masked {
		copy(hdr[n:], f.MaskKey[:])
		n += 4
	}

	dst = append(dst[:0], hdr[:n]...)
	start := len(dst)
	dst = append(dst, f.Payload...)
	if f.Masked {
		maskInPlace(dst[start:], f.MaskKey)
	}
	return dst, nil
}

// maskInPlace applies XOR on buf using key. Masking is its own inverse.
func maskInPlace(buf []byte, key [4]byte) {
	for i := range buf {
		buf[i] ^= key[i%4]
	}
}

// ClosePayload builds the body of a close frame.
func ClosePayload(code uint16, reason string) []byte {
	if len(reason) > MaxControlPayloadLen-2 {
		reason = reason[:MaxControlPayloadLen-2]
	}
	p := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(p, code)
	copy(p[2:], reason)
	return p
}

// ParseClosePayload extracts status code and reason. An empty body yields
// CloseNoStatusRcvd.
func ParseClosePayload(p []byte) (uint16, string, error) {
	switch {
	case len(p) == 0:
		return CloseNoStatusRcvd, "", nil
	case len(p) == 1:
		return 0, "", ErrInvalidCloseFrame
	}
	reason := p[2:]
	if !utf8.Valid(reason) {
		return 0, "", ErrInvalidCloseFrame
	}
	return binary.BigEndian.Uint16(p), string(reason), nil
}
