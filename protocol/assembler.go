// File: protocol/assembler.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

// Assembler joins fragmented data frames into whole messages. Control
// frames may be interleaved and are passed through untouched.
type Assembler struct {
	limit   int64
	opcode  byte
	pending []byte
	active  bool
}

// NewAssembler creates an Assembler capping messages at limit bytes.
func NewAssembler(limit int64) *Assembler {
	return &Assembler{limit: limit}
}

// Push feeds one frame. It returns the message opcode and payload once a
// message is complete, otherwise done is false.
func (a *Assembler) Push(f *WSFrame) (opcode byte, payload []byte, done bool, err error) {
	if IsControl(f.Opcode) {
		return f.Opcode, f.Payload, true, nil
	}
	switch {
	case f.Opcode == OpcodeContinuation && !a.active:
		return 0, nil, false, ErrUnexpectedOpcode
	case f.Opcode != OpcodeContinuation && a.active:
		return 0, nil, false, ErrUnexpectedOpcode
	}

	if !a.active {
		if f.IsFinal {
			return f.Opcode, f.Payload, true, nil
		}
		a.active = true
		a.opcode = f.Opcode
		a.pending = append(a.pending[:0], f.Payload...)
		return 0, nil, false, nil
	}

	if a.limit > 0 && int64(len(a.pending)+len(f.Payload)) > a.limit {
		a.Reset()
		return 0, nil, false, ErrFrameTooLarge
	}
	a.pending = append(a.pending, f.Payload...)
	if !f.IsFinal {
		return 0, nil, false, nil
	}
	opcode = a.opcode
	payload = a.pending
	a.pending = nil
	a.active = false
	return opcode, payload, true, nil
}

// Reset drops any partial message.
func (a *Assembler) Reset() {
	a.pending = nil
	a.active = false
	a.opcode = 0
}
