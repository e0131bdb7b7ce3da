// Package protocol
// Author: momentics <momentics@gmail.com>
//
// WebSocket wire protocol constants

package protocol

import "time"

const (
	// Data opcodes
	OpcodeContinuation = 0x0
	OpcodeText         = 0x1
	OpcodeBinary       = 0x2

	// Control opcodes (>=0x8)
	OpcodeClose = 0x8
	OpcodePing  = 0x9
	OpcodePong  = 0xA

	// Frame limit settings
	MaxControlPayloadLen = 125

	// Bit masks
	FinBit  = 0x80
	MaskBit = 0x80

	// Close codes
	CloseNormalClosure      = 1000
	CloseGoingAway          = 1001
	CloseProtocolError      = 1002
	CloseUnsupportedData    = 1003
	CloseNoStatusRcvd       = 1005
	CloseAbnormalClosure    = 1006
	CloseInvalidPayloadData = 1007
	ClosePolicyViolation    = 1008
	CloseMessageTooBig      = 1009
	CloseMissingExtension   = 1010
	CloseInternalServerErr  = 1011
)

// Connection tunables. Zero values in Options fall back to these.
const (
	DefaultPollInterval     = 100 * time.Millisecond
	DefaultCloseWait        = 500 * time.Millisecond
	DefaultCloseRetries     = 5
	DefaultFrameReadTimeout = 5 * time.Second
	DefaultWriteTimeout     = 5 * time.Second
	DefaultMaxMessageSize   = 16 << 20
)

// IsControl reports whether opcode denotes a control frame.
func IsControl(opcode byte) bool {
	return opcode&0x08 != 0
}

// validSendOpcode lists opcodes accepted by the send path.
func validSendOpcode(opcode byte) bool {
	switch opcode {
	case OpcodeText, OpcodeBinary, OpcodeClose, OpcodePing, OpcodePong:
		return true
	}
	return false
}

// OpcodeName returns a printable opcode label.
func OpcodeName(opcode byte) string {
	switch opcode {
	case OpcodeContinuation:
		return "continuation"
	case OpcodeText:
		return "text"
	case OpcodeBinary:
		return "binary"
	case OpcodeClose:
		return "close"
	case OpcodePing:
		return "ping"
	case OpcodePong:
		return "pong"
	}
	return "unknown"
}
