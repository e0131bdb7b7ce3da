// Package protocol
// Author: momentics <momentics@gmail.com>
//
// Splitting of one logical message into a frame sequence.

package protocol

import "github.com/momentics/wscore/api"

// FragmentCount returns how many frames a payload of n bytes occupies when
// each frame carries at most max bytes. Empty payloads still take one frame.
func FragmentCount(n, max int) int {
	if n == 0 {
		return 1
	}
	return (n + max - 1) / max
}

// Fragment splits payload into frames of at most maxFragment bytes. Only the
// first frame carries opcode, the rest use the continuation opcode, and only
// the last frame is final. Payload slices alias the input.
func Fragment(opcode byte, payload []byte, maxFragment int) ([]WSFrame, error) {
	if maxFragment <= 0 {
		return nil, api.Param("fragment size must be positive").WithContext("size", maxFragment)
	}
	if IsControl(opcode) && len(payload) > maxFragment {
		return nil, api.Param("control frames cannot be fragmented").WithContext("opcode", OpcodeName(opcode))
	}
	count := FragmentCount(len(payload), maxFragment)
	frames := make([]WSFrame, 0, count)
	for i := 0; i < count; i++ {
		lo := i * maxFragment
		hi := lo + maxFragment
		if hi > len(payload) {
			hi = len(payload)
		}
		op := byte(OpcodeContinuation)
		if i == 0 {
			op = opcode
		}
		frames = append(frames, WSFrame{
			IsFinal:    i == count-1,
			Opcode:     op,
			PayloadLen: int64(hi - lo),
			Payload:    payload[lo:hi],
		})
	}
	return frames, nil
}
