// Package protocol
// Author: momentics <momentics@gmail.com>
//
// WebSocket frame encoding/decoding and masking logic.
//
// Decoding reads exactly one frame from a stream and never returns a partial
// frame. Encoding appends to a caller supplied slice so batches of fragments
// can share one buffer and reach the socket in a single write.

package protocol

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"net"

	"github.com/momentics/wscore/api"
)

// WSFrame represents a decoded WebSocket frame.
type WSFrame struct {
	IsFinal    bool  // FIN bit
	Opcode     byte  // Operation code
	Masked     bool  // Whether the frame was masked
	PayloadLen int64 // Actual payload length
	MaskKey    [4]byte
	Payload    []byte // Unmasked payload
}

// ReadFrame parses one WebSocket frame header and payload from r.
//
// Payloads longer than limit (when limit > 0) are drained from the stream and
// reported as api.ErrMemory so the next frame starts on a frame boundary. In
// that case the returned frame carries the header fields and no payload.
func ReadFrame(r io.Reader, limit int64) (*WSFrame, error) {
	var hdr [2]byte
	if n, err := io.ReadFull(r, hdr[:]); err != nil {
		if n == 0 {
			return nil, classifyReadErr("read frame header", err, true)
		}
		return nil, classifyReadErr("read frame header", err, false)
	}

	isFin := hdr[0]&FinBit != 0
	opcode := hdr[0] & 0x0F
	isMasked := hdr[1]&MaskBit != 0
	payloadLen := int64(hdr[1] & 0x7F)

	switch payloadLen {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return nil, classifyReadErr("read 16-bit length", err, false)
		}
		payloadLen = int64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return nil, classifyReadErr("read 64-bit length", err, false)
		}
		l := binary.BigEndian.Uint64(ext[:])
		if l>>63 != 0 {
			// most significant bit must be zero; the stream cannot be realigned
			return nil, api.Socket("invalid 64-bit payload length", nil)
		}
		payloadLen = int64(l)
	}

	var maskKey [4]byte
	if isMasked {
		if _, err := io.ReadFull(r, maskKey[:]); err != nil {
			return nil, classifyReadErr("read mask key", err, false)
		}
	}

	if limit > 0 && payloadLen > limit {
		if _, err := io.CopyN(io.Discard, r, payloadLen); err != nil {
			return nil, classifyReadErr("drain oversized payload", err, false)
		}
		hdrOnly := &WSFrame{IsFinal: isFin, Opcode: opcode, Masked: isMasked, PayloadLen: payloadLen, MaskKey: maskKey}
		return hdrOnly, api.Memory("frame payload exceeds limit").
			WithContext("length", payloadLen).
			WithContext("limit", limit)
	}

	payload, err := readPayload(r, payloadLen)
	if err != nil {
		return nil, classifyReadErr("read payload", err, false)
	}

	if isMasked {
		unmaskInPlace(payload, maskKey)
	}

	switch opcode {
	case OpcodeContinuation, OpcodeText, OpcodeBinary:
	case OpcodeClose, OpcodePing, OpcodePong:
		if !isFin || payloadLen > MaxControlPayloadLen {
			return nil, api.Protocol("fragmented or oversized control frame", nil).
				WithContext("opcode", OpcodeName(opcode))
		}
	default:
		return nil, api.Protocol("reserved opcode", nil).WithContext("opcode", opcode)
	}

	return &WSFrame{
		IsFinal:    isFin,
		Opcode:     opcode,
		Masked:     isMasked,
		PayloadLen: payloadLen,
		MaskKey:    maskKey,
		Payload:    payload,
	}, nil
}

// payloadPrealloc caps the up-front allocation for a payload. Larger payloads
// grow with the bytes actually received, so a header claiming a huge length
// on a short stream cannot reserve that memory.
const payloadPrealloc = 64 << 10

func readPayload(r io.Reader, n int64) ([]byte, error) {
	if n <= payloadPrealloc {
		payload := make([]byte, n)
		_, err := io.ReadFull(r, payload)
		return payload, err
	}
	var buf bytes.Buffer
	buf.Grow(payloadPrealloc)
	if _, err := io.CopyN(&buf, r, n); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// classifyReadErr maps I/O failures onto the error taxonomy. A clean EOF or a
// broken socket is a socket error; a frame cut short mid-way or a timed out
// read is a protocol error.
func classifyReadErr(op string, err error, atBoundary bool) error {
	var ne net.Error
	switch {
	case errors.As(err, &ne) && ne.Timeout():
		return api.Protocol(op+": timeout", err)
	case errors.Is(err, io.ErrUnexpectedEOF):
		return api.Protocol(op+": short read", err)
	case errors.Is(err, io.EOF) && !atBoundary:
		return api.Protocol(op+": short read", err)
	default:
		return api.Socket(op, err)
	}
}

// FrameSize returns the encoded size of a frame carrying n payload bytes.
func FrameSize(n int, masked bool) int {
	size := 2 + n
	switch {
	case n <= 125:
	case n <= 0xFFFF:
		size += 2
	default:
		size += 8
	}
	if masked {
		size += 4
	}
	return size
}

// AppendFrame serializes an unmasked frame onto dst.
func AppendFrame(dst []byte, fin bool, opcode byte, payload []byte) []byte {
	dst = appendHeader(dst, fin, opcode, len(payload), false)
	return append(dst, payload...)
}

// AppendMaskedFrame serializes a masked frame onto dst. payload is left
// untouched.
func AppendMaskedFrame(dst []byte, fin bool, opcode byte, payload []byte, key [4]byte) []byte {
	dst = appendHeader(dst, fin, opcode, len(payload), true)
	dst = append(dst, key[:]...)
	start := len(dst)
	dst = append(dst, payload...)
	unmaskInPlace(dst[start:], key)
	return dst
}

// EncodeFrame returns a single final unmasked frame.
func EncodeFrame(opcode byte, payload []byte) []byte {
	return AppendFrame(make([]byte, 0, FrameSize(len(payload), false)), true, opcode, payload)
}

// AppendTo serializes f onto dst, honoring Masked and MaskKey.
func (f *WSFrame) AppendTo(dst []byte) []byte {
	if f.Masked {
		return AppendMaskedFrame(dst, f.IsFinal, f.Opcode, f.Payload, f.MaskKey)
	}
	return AppendFrame(dst, f.IsFinal, f.Opcode, f.Payload)
}

func appendHeader(dst []byte, fin bool, opcode byte, n int, masked bool) []byte {
	b0 := opcode & 0x0F
	if fin {
		b0 |= FinBit
	}
	var maskBit byte
	if masked {
		maskBit = MaskBit
	}
	switch {
	case n <= 125:
		dst = append(dst, b0, byte(n)|maskBit)
	case n <= 0xFFFF:
		dst = append(dst, b0, 126|maskBit)
		dst = binary.BigEndian.AppendUint16(dst, uint16(n))
	default:
		dst = append(dst, b0, 127|maskBit)
		dst = binary.BigEndian.AppendUint64(dst, uint64(n))
	}
	return dst
}

// NewMaskKey draws a fresh masking key.
func NewMaskKey() ([4]byte, error) {
	var key [4]byte
	if _, err := rand.Read(key[:]); err != nil {
		return key, api.Wrap(api.ErrCodeMemory, "generate mask key", err)
	}
	return key, nil
}

// unmaskInPlace applies XOR on payload using maskKey.
func unmaskInPlace(buf []byte, key [4]byte) {
	for i := 0; i < len(buf); i++ {
		buf[i] ^= key[i%4]
	}
}
