// Package instruction implements the 4/8-byte instruction encoding: pure
// decode, encode and disassembly, with no knowledge of memory, registers
// or execution.
package instruction

import (
	"encoding/binary"
	"fmt"

	"github.com/bassosimone/vm32/internal/emuerr"
)

// Mode is the 2-bit instruction family selector occupying the top two
// bits of byte 0.
type Mode uint8

const (
	ModeSystem Mode = 0
	ModeALU    Mode = 1
	ModeJump   Mode = 2
	ModeStack  Mode = 3
)

// Kind identifies a decoded instruction uniquely; it is derived once, at
// decode time, from the (mode, opcode) pair.
type Kind uint8

const (
	KindInvalid Kind = iota

	// Mode 0: system/misc
	KindNop
	KindHlt
	KindPr
	KindEpr
	KindTme
	KindRdpc
	KindKbrd
	KindSetgfx
	KindDraw
	KindSlp
	KindRdclk

	// Mode 0: memory sub-range
	KindLd
	KindLdw
	KindLdb
	KindPld
	KindPldw
	KindPldb
	KindStr
	KindStrw
	KindStrb
	KindPstr
	KindPstrw
	KindPstrb

	// Mode 1: ALU
	KindNand
	KindOr
	KindAnd
	KindNor
	KindAdd
	KindSub
	KindXor
	KindLsl
	KindLsr
	KindMul
	KindImul
	KindDiv
	KindIdiv
	KindRem
	KindIrem
	KindMov
	KindInc
	KindDec
	KindSe
	KindSne
	KindSl
	KindSle
	KindSg
	KindSge
	KindAsr

	// Mode 2: conditional jumps
	KindJmp
	KindJe
	KindJne
	KindJl
	KindJge
	KindJle
	KindJg
	KindJb
	KindJae
	KindJbe
	KindJa

	// Mode 3: stack
	KindPush
	KindPop
	KindCall
	KindRet
)

// mnemonics gives the canonical lowercase mnemonic for every Kind, used
// both by String() and by the assembler's parser.
var mnemonics = map[Kind]string{
	KindNop: "nop", KindHlt: "hlt", KindPr: "pr", KindEpr: "epr",
	KindTme: "tme", KindRdpc: "rdpc", KindKbrd: "kbrd", KindSetgfx: "setgfx",
	KindDraw: "draw", KindSlp: "slp", KindRdclk: "rdclk",
	KindLd: "ld", KindLdw: "ldw", KindLdb: "ldb",
	KindPld: "pld", KindPldw: "pldw", KindPldb: "pldb",
	KindStr: "str", KindStrw: "strw", KindStrb: "strb",
	KindPstr: "pstr", KindPstrw: "pstrw", KindPstrb: "pstrb",
	KindNand: "nand", KindOr: "or", KindAnd: "and", KindNor: "nor",
	KindAdd: "add", KindSub: "sub", KindXor: "xor", KindLsl: "lsl", KindLsr: "lsr",
	KindMul: "mul", KindImul: "imul", KindDiv: "div", KindIdiv: "idiv",
	KindRem: "rem", KindIrem: "irem", KindMov: "mov", KindInc: "inc", KindDec: "dec",
	KindSe: "se", KindSne: "sne", KindSl: "sl", KindSle: "sle", KindSg: "sg", KindSge: "sge",
	KindAsr: "asr",
	KindJmp: "jmp", KindJe: "je", KindJne: "jne", KindJl: "jl", KindJge: "jge",
	KindJle: "jle", KindJg: "jg", KindJb: "jb", KindJae: "jae", KindJbe: "jbe", KindJa: "ja",
	KindPush: "push", KindPop: "pop", KindCall: "call", KindRet: "ret",
}

// String returns the canonical mnemonic for k, or "<invalid>".
func (k Kind) String() string {
	if s, ok := mnemonics[k]; ok {
		return s
	}
	return "<invalid>"
}

// opcode tables map (mode, opcode byte) to Kind. Built once at init time
// from the spec.md §4.6 table, in the same dense-switch spirit the spec
// asks for at dispatch time but as a lookup here since decode only needs
// the mapping, not the behaviour.
var mode0 = map[uint8]Kind{
	0x00: KindNop, 0x01: KindHlt, 0x02: KindPr, 0x03: KindEpr,
	0x04: KindTme, 0x05: KindRdpc, 0x06: KindKbrd, 0x07: KindSetgfx,
	0x08: KindDraw, 0x09: KindSlp, 0x0a: KindRdclk,
	0x20: KindLd, 0x21: KindLdw, 0x22: KindLdb,
	0x23: KindPld, 0x24: KindPldw, 0x25: KindPldb,
	0x26: KindStr, 0x27: KindStrw, 0x28: KindStrb,
	0x29: KindPstr, 0x2a: KindPstrw, 0x2b: KindPstrb,
}

var mode1 = map[uint8]Kind{
	0x00: KindNand, 0x01: KindOr, 0x02: KindAnd, 0x03: KindNor,
	0x04: KindAdd, 0x05: KindSub, 0x06: KindXor, 0x07: KindLsl, 0x08: KindLsr,
	0x09: KindMul, 0x0a: KindImul, 0x0b: KindDiv, 0x0c: KindIdiv,
	0x0d: KindRem, 0x0e: KindIrem, 0x0f: KindMov, 0x10: KindInc, 0x11: KindDec,
	0x12: KindSe, 0x13: KindSne, 0x14: KindSl, 0x15: KindSle, 0x16: KindSg, 0x17: KindSge,
	0x18: KindAsr,
}

var mode2 = map[uint8]Kind{
	0x00: KindJmp, 0x01: KindJe, 0x02: KindJne, 0x03: KindJl, 0x04: KindJge,
	0x05: KindJle, 0x06: KindJg, 0x07: KindJb, 0x08: KindJae, 0x09: KindJbe, 0x0a: KindJa,
}

var mode3 = map[uint8]Kind{
	0x00: KindPush, 0x01: KindPop, 0x02: KindCall, 0x03: KindRet,
}

func lookupKind(mode Mode, opcode uint8) (Kind, bool) {
	var table map[uint8]Kind
	switch mode {
	case ModeSystem:
		table = mode0
	case ModeALU:
		table = mode1
	case ModeJump:
		table = mode2
	case ModeStack:
		table = mode3
	default:
		return KindInvalid, false
	}
	k, ok := table[opcode]
	return k, ok
}

// opcodeOf is the inverse of lookupKind, used by Encode.
func opcodeOf(k Kind) (Mode, uint8, bool) {
	for opcode, kind := range mode0 {
		if kind == k {
			return ModeSystem, opcode, true
		}
	}
	for opcode, kind := range mode1 {
		if kind == k {
			return ModeALU, opcode, true
		}
	}
	for opcode, kind := range mode2 {
		if kind == k {
			return ModeJump, opcode, true
		}
	}
	for opcode, kind := range mode3 {
		if kind == k {
			return ModeStack, opcode, true
		}
	}
	return 0, 0, false
}

// Decoded is a uniform decoded instruction record. hasImm differentiates
// whether Imm (and c..f) are meaningful; every other field is always
// populated.
type Decoded struct {
	Kind   Kind
	Dst    uint8
	A      uint8
	B      uint8
	HasImm bool
	Imm    uint32
	C, D, E, F uint8 // only meaningful for Tme
}

// Size returns how many bytes this instruction occupies (4, or 8 when it
// carries an immediate).
func (d Decoded) Size() uint32 {
	if d.HasImm {
		return 8
	}
	return 4
}

const regMask = 0x1F

// Decode parses one instruction from the front of buf. It returns the
// decoded record and the number of bytes consumed (4 or 8).
func Decode(buf []byte) (Decoded, int, error) {
	if len(buf) < 4 {
		return Decoded{}, 0, &emuerr.WrongSizeError{Available: len(buf), Needed: 4}
	}
	b0, opcode, b2, b3 := buf[0], buf[1], buf[2], buf[3]

	mode := Mode((rotl8(b0, 2)) & 0b11)
	hasImm := (b0 & 0b0010_0000) != 0
	dst := b0 & regMask
	a := b2 & regMask
	b := b3 & regMask

	kind, ok := lookupKind(mode, opcode)
	if !ok {
		return Decoded{}, 0, &emuerr.UnknownInstructionError{Mode: uint8(mode), Opcode: opcode}
	}

	d := Decoded{Kind: kind, Dst: dst, A: a, B: b}
	if !hasImm {
		return d, 4, nil
	}
	if len(buf) < 8 {
		return Decoded{}, 0, &emuerr.WrongSizeError{Available: len(buf), Needed: 8}
	}
	d.HasImm = true
	d.Imm = binary.LittleEndian.Uint32(buf[4:8])
	d.C = buf[4] & regMask
	d.D = buf[5] & regMask
	d.E = buf[6] & regMask
	d.F = buf[7] & regMask
	return d, 8, nil
}

// rotl8 rotates an 8-bit value left by n bits. Decode uses rotl8(b0, 2)
// to pull the mode bits (byte 0's top two bits) down into bits 0-1.
func rotl8(v byte, n uint) byte {
	n &= 7
	return (v << n) | (v >> (8 - n))
}

// Encode is the inverse of Decode: given a well-formed Decoded record (all
// register indices in 0..=31, Kind a valid decoded tag), it produces the
// 4 or 8 byte encoding.
func Encode(d Decoded) ([]byte, error) {
	mode, opcode, ok := opcodeOf(d.Kind)
	if !ok {
		return nil, &emuerr.UnknownInstructionError{}
	}

	b0 := d.Dst & regMask
	if d.HasImm {
		b0 |= 0b0010_0000
	}
	b0 |= byte(mode&1) << 6
	b0 |= byte((mode>>1)&1) << 7

	out := []byte{
		b0,
		opcode,
		d.A & regMask,
		d.B & regMask,
	}
	if d.HasImm {
		var imm [4]byte
		binary.LittleEndian.PutUint32(imm[:], d.Imm)
		out = append(out, imm[:]...)
	}
	return out, nil
}

// String renders the canonical trace/disassembly form: mnemonic and
// operand list in an order derived from the instruction kind.
func (d Decoded) String() string {
	switch d.Kind {
	case KindNop, KindRet:
		return d.Kind.String()
	case KindRdpc, KindInc, KindDec:
		return fmt.Sprintf("%s r%d", d.Kind, d.Dst)
	case KindHlt, KindPush:
		return fmt.Sprintf("%s r%d", d.Kind, d.A)
	case KindPop:
		return fmt.Sprintf("%s r%d", d.Kind, d.Dst)
	case KindCall, KindJmp:
		return fmt.Sprintf("%s %s", d.Kind, d.operandDst())
	case KindPr, KindEpr:
		return fmt.Sprintf("%s r%d r%d", d.Kind, d.A, d.B)
	case KindTme:
		return fmt.Sprintf("%s r%d r%d r%d r%d", d.Kind, d.A, d.B, d.C, d.D)
	case KindSetgfx, KindSlp, KindMov:
		return fmt.Sprintf("%s r%d, %s", d.Kind, d.Dst, d.operandA())
	case KindRdclk:
		return fmt.Sprintf("%s r%d r%d", d.Kind, d.A, d.B)
	case KindLd, KindLdw, KindLdb, KindPld, KindPldw, KindPldb:
		return fmt.Sprintf("%s r%d, [%s]", d.Kind, d.Dst, d.operandA())
	case KindStr, KindStrw, KindStrb, KindPstr, KindPstrw, KindPstrb:
		return fmt.Sprintf("%s [r%d], %s", d.Kind, d.Dst, d.operandA())
	case KindJe, KindJne, KindJl, KindJge, KindJle, KindJg, KindJb, KindJae, KindJbe, KindJa:
		return fmt.Sprintf("%s r%d, r%d, %s", d.Kind, d.A, d.B, d.operandDst())
	default:
		// ALU family: dst <- f(a, b|imm)
		return fmt.Sprintf("%s r%d, r%d, %s", d.Kind, d.Dst, d.A, d.operandBOrImm())
	}
}

func (d Decoded) operandA() string {
	if d.HasImm {
		return fmt.Sprintf("0x%08x", d.Imm)
	}
	return fmt.Sprintf("r%d", d.A)
}

func (d Decoded) operandBOrImm() string {
	if d.HasImm {
		return fmt.Sprintf("0x%08x", d.Imm)
	}
	return fmt.Sprintf("r%d", d.B)
}

func (d Decoded) operandDst() string {
	if d.HasImm {
		return fmt.Sprintf("0x%08x", d.Imm)
	}
	return fmt.Sprintf("r%d", d.Dst)
}
