package tier1

import (
	"context"

	"github.com/wilsonzlin/aero-sub037/internal/x86/jit"
)

// BlockLimits bounds block discovery.
type BlockLimits struct {
	MaxInsts int
	MaxBytes int
}

// DefaultLimits mirrors the discovery bounds used for baseline blocks.
var DefaultLimits = BlockLimits{MaxInsts: 64, MaxBytes: 64}

// Compiler lowers guest blocks into backend op lists. It implements
// jit.Compiler and may run on the compile worker goroutine: it works from
// the code copy and page-version snapshot inside the request, never live
// guest memory, and a snapshot gone stale is rejected at install time.
type Compiler struct {
	backend *Backend
	limits  BlockLimits
}

// NewCompiler creates a compiler that registers blocks with the given
// backend.
func NewCompiler(backend *Backend, limits BlockLimits) *Compiler {
	if limits.MaxInsts <= 0 {
		limits.MaxInsts = DefaultLimits.MaxInsts
	}
	if limits.MaxBytes <= 0 {
		limits.MaxBytes = DefaultLimits.MaxBytes
	}
	return &Compiler{backend: backend, limits: limits}
}

// Compile implements jit.Compiler. A nil handle with nil error means the
// block starts with an instruction this tier cannot execute and should stay
// interpreted.
func (c *Compiler) Compile(ctx context.Context, req jit.CompileRequest) (*jit.CompiledBlockHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	window := req.Code
	if len(window) > c.limits.MaxBytes {
		window = window[:c.limits.MaxBytes]
	}
	if len(window) == 0 {
		return nil, nil
	}

	blk, byteLen, count, inhibit := lower(window, req.EntryAddr, c.limits.MaxInsts)
	if count == 0 {
		return nil, nil
	}

	// The request's snapshot covers the whole window; narrowing ByteLen to
	// the lowered block keeps the cache's overlap checks tight.
	meta := req.Meta
	meta.ByteLen = byteLen
	meta.InstructionCount = count
	meta.InhibitInterruptsAfterBlock = inhibit

	tableIndex := c.backend.register(blk)
	return &jit.CompiledBlockHandle{
		EntryAddr:  req.EntryAddr,
		TableIndex: tableIndex,
		Meta:       meta,
	}, nil
}

// lower decodes the window into a compiled block. Decoding stops at a
// control transfer, HLT, STI, an instruction the backend cannot execute
// speculatively, or the instruction budget; an unsupported tail simply ends
// the block early and the interpreter picks up from there.
func lower(window []byte, entryAddr uint64, maxInsts int) (blk compiledBlock, byteLen, count uint32, inhibit bool) {
	pos := 0
	fits := func(n int) bool { return pos+n <= len(window) }
	imm16 := func(at int) uint16 {
		return uint16(window[at]) | uint16(window[at+1])<<8
	}

	for count < uint32(maxInsts) && pos < len(window) {
		opb := window[pos]
		pc := entryAddr + uint64(pos)

		switch {
		case opb == 0x90: // NOP
			blk.ops = append(blk.ops, op{kind: opNop})
			pos++

		case opb == 0xF4: // HLT
			blk.ops = append(blk.ops, op{kind: opHlt})
			pos++
			count++
			blk.end = pc + 1
			byteLen = uint32(pos)
			return blk, byteLen, count, false

		case opb == 0xFB: // STI ends the block; the dispatcher re-arms the
			// one-instruction shadow from the block metadata.
			blk.ops = append(blk.ops, op{kind: opSti})
			pos++
			count++
			blk.end = pc + 1
			byteLen = uint32(pos)
			return blk, byteLen, count, true

		case opb == 0xFA: // CLI
			blk.ops = append(blk.ops, op{kind: opCli})
			pos++

		case opb >= 0xB8 && opb < 0xC0: // MOV r16, imm16
			if !fits(3) {
				return endEarly(blk, entryAddr, pos, count)
			}
			blk.ops = append(blk.ops, op{kind: opMovImm, reg: int(opb - 0xB8), imm: imm16(pos + 1)})
			pos += 3

		case opb >= 0x40 && opb < 0x48: // INC r16
			blk.ops = append(blk.ops, op{kind: opInc, reg: int(opb - 0x40)})
			pos++

		case opb >= 0x48 && opb < 0x50: // DEC r16
			blk.ops = append(blk.ops, op{kind: opDec, reg: int(opb - 0x48)})
			pos++

		case opb == 0x01 || opb == 0x29 || opb == 0x39: // ADD/SUB/CMP r/m16, r16
			if !fits(2) || window[pos+1]>>6 != 0b11 {
				return endEarly(blk, entryAddr, pos, count)
			}
			modrm := window[pos+1]
			kind := opAdd
			if opb == 0x29 {
				kind = opSub
			} else if opb == 0x39 {
				kind = opCmp
			}
			blk.ops = append(blk.ops, op{kind: kind, reg: int(modrm) & 7, src: int(modrm>>3) & 7})
			pos += 2

		case opb == 0xA1: // MOV AX, [imm16]
			if !fits(3) {
				return endEarly(blk, entryAddr, pos, count)
			}
			blk.ops = append(blk.ops, op{kind: opMovAxMem, imm: imm16(pos + 1)})
			pos += 3

		case opb == 0xA3: // MOV [imm16], AX
			if !fits(3) {
				return endEarly(blk, entryAddr, pos, count)
			}
			blk.ops = append(blk.ops, op{kind: opMovMemAx, imm: imm16(pos + 1)})
			pos += 3

		case opb == 0xC6: // MOV byte [imm16], imm8
			if !fits(5) || window[pos+1] != 0x06 {
				return endEarly(blk, entryAddr, pos, count)
			}
			blk.ops = append(blk.ops, op{kind: opMovMemImm, imm: imm16(pos + 2), val: window[pos+4]})
			pos += 5

		case opb == 0xE6: // OUT imm8, AL
			if !fits(2) {
				return endEarly(blk, entryAddr, pos, count)
			}
			blk.ops = append(blk.ops, op{kind: opOut, imm: uint16(window[pos+1])})
			pos += 2

		case opb == 0xEB: // JMP rel8
			if !fits(2) {
				return endEarly(blk, entryAddr, pos, count)
			}
			target := uint64(int64(pc+2) + int64(int8(window[pos+1])))
			blk.ops = append(blk.ops, op{kind: opJmp, taken: target})
			pos += 2
			count++
			byteLen = uint32(pos)
			return blk, byteLen, count, false

		case opb == 0xE9: // JMP rel16
			if !fits(3) {
				return endEarly(blk, entryAddr, pos, count)
			}
			target := uint64(int64(pc+3) + int64(int16(imm16(pos+1))))
			blk.ops = append(blk.ops, op{kind: opJmp, taken: target})
			pos += 3
			count++
			byteLen = uint32(pos)
			return blk, byteLen, count, false

		case opb == 0x74 || opb == 0x75: // JZ/JNZ rel8
			if !fits(2) {
				return endEarly(blk, entryAddr, pos, count)
			}
			target := uint64(int64(pc+2) + int64(int8(window[pos+1])))
			blk.ops = append(blk.ops, op{
				kind:     opJcc,
				jz:       opb == 0x74,
				taken:    target,
				fallthru: pc + 2,
			})
			pos += 2
			count++
			byteLen = uint32(pos)
			return blk, byteLen, count, false

		default:
			// Unsupported under speculation (IN and everything else):
			// the block ends before it.
			return endEarly(blk, entryAddr, pos, count)
		}
		count++
	}

	blk.end = entryAddr + uint64(pos)
	return blk, uint32(pos), count, false
}

func endEarly(blk compiledBlock, entryAddr uint64, pos int, count uint32) (compiledBlock, uint32, uint32, bool) {
	blk.end = entryAddr + uint64(pos)
	return blk, uint32(pos), count, false
}
