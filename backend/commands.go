package backend

import (
	"encoding/binary"
	"fmt"
)

// Command opcodes understood by the in-tree variants. The namespace is
// deliberately tiny: real guests speak the capset-specific protocol of the
// renderer behind the variant, and the broker treats payloads as opaque.
const (
	// OpNop does nothing. Useful for fence-only submissions.
	OpNop uint32 = 1

	// OpClear fills a resource region. Payload is variant-defined.
	OpClear uint32 = 2

	// OpCopy copies between resource regions. Payload is variant-defined.
	OpCopy uint32 = 3

	// OpShader carries shader source for variants that translate it.
	OpShader uint32 = 4
)

// commandHeaderLen is the fixed prefix of every command: op plus payload
// length, both little-endian uint32.
const commandHeaderLen = 8

// Command is one decoded command-stream entry.
type Command struct {
	// Op is the command opcode.
	Op uint32

	// Payload is the command body. It aliases the submitted stream and is
	// only valid for the duration of the Submit call.
	Payload []byte
}

// DecodeCommands splits a submitted command stream into commands.
//
// Wire format per command: uint32 op, uint32 payload length in bytes,
// payload, padding to the next 4-byte boundary. Returns ErrInvalidCommand
// for truncated or misaligned streams.
func DecodeCommands(stream []byte) ([]Command, error) {
	if len(stream)%4 != 0 {
		return nil, fmt.Errorf("%w: stream length %d not word-aligned", ErrInvalidCommand, len(stream))
	}

	var cmds []Command
	for off := 0; off < len(stream); {
		if len(stream)-off < commandHeaderLen {
			return nil, fmt.Errorf("%w: truncated header at offset %d", ErrInvalidCommand, off)
		}
		op := binary.LittleEndian.Uint32(stream[off:])
		plen := binary.LittleEndian.Uint32(stream[off+4:])
		off += commandHeaderLen

		padded := (int(plen) + 3) &^ 3
		if plen > uint32(len(stream)) || off+padded > len(stream) {
			return nil, fmt.Errorf("%w: payload of %d bytes exceeds stream", ErrInvalidCommand, plen)
		}
		cmds = append(cmds, Command{Op: op, Payload: stream[off : off+int(plen)]})
		off += padded
	}
	return cmds, nil
}

// EncodeCommand appends one command to a stream being built. Intended for
// tests and for the transport's fence-only submissions.
func EncodeCommand(stream []byte, op uint32, payload []byte) []byte {
	var hdr [commandHeaderLen]byte
	binary.LittleEndian.PutUint32(hdr[0:], op)
	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(payload)))
	stream = append(stream, hdr[:]...)
	stream = append(stream, payload...)
	for len(stream)%4 != 0 {
		stream = append(stream, 0)
	}
	return stream
}
