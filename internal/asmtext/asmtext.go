// Package asmtext compiles the mnemonic textual form of a program into
// the byte image the emulator executes.
//
// It is a two-pass assembler in the same shape as bassosimone-risc32's
// pkg/asm: pass one lexes and parses every line, assigning each
// instruction a byte offset and recording any label it defines; pass
// two resolves label references against that table and encodes every
// instruction via the instruction package.
package asmtext

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bassosimone/vm32/internal/instruction"
	"github.com/bassosimone/vm32/internal/register"
)

// Error reports a problem at a specific source line, the shape
// bassosimone-risc32's InstructionOrError.Lineno carries into its
// error channel.
type Error struct {
	Filename string
	Line     int
	Message  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.Filename, e.Line, e.Message)
}

// shape describes how a mnemonic's operand list maps onto a
// instruction.Decoded record.
type shape int

const (
	shapeNone         shape = iota // e.g. nop, ret
	shapeDst                       // dst
	shapeA                         // a (Push, Hlt)
	shapeAB                        // a, b (Pr, Epr, Rdclk)
	shapeABCD                      // a, b, c, d (Tme)
	shapeDstAImm                   // dst, a-or-imm (Mov, Setgfx, Slp)
	shapeDstLoad                   // dst, [a-or-imm] (Ld family)
	shapeStoreDst                  // [dst], a-or-imm (Str family)
	shapeAluDstAB                  // dst, a, b-or-imm (ALU family)
	shapeJumpAB                    // a, b, dst-or-imm (conditional jumps)
	shapeTargetOnly                // dst-or-imm (Jmp, Call)
)

var shapes = map[instruction.Kind]shape{
	instruction.KindNop: shapeNone,
	instruction.KindRet: shapeNone,

	instruction.KindRdpc: shapeDst,
	instruction.KindInc:  shapeDst,
	instruction.KindDec:  shapeDst,
	instruction.KindPop:  shapeDst,

	instruction.KindPush: shapeA,
	instruction.KindHlt:  shapeA,

	instruction.KindPr:     shapeAB,
	instruction.KindEpr:    shapeAB,
	instruction.KindRdclk:  shapeAB,
	instruction.KindKbrd:   shapeNone,
	instruction.KindDraw:   shapeNone,

	instruction.KindTme: shapeABCD,

	instruction.KindMov:    shapeDstAImm,
	instruction.KindSetgfx: shapeDstAImm,
	instruction.KindSlp:    shapeDstAImm,

	instruction.KindLd:   shapeDstLoad,
	instruction.KindLdw:  shapeDstLoad,
	instruction.KindLdb:  shapeDstLoad,
	instruction.KindPld:  shapeDstLoad,
	instruction.KindPldw: shapeDstLoad,
	instruction.KindPldb: shapeDstLoad,

	instruction.KindStr:   shapeStoreDst,
	instruction.KindStrw:  shapeStoreDst,
	instruction.KindStrb:  shapeStoreDst,
	instruction.KindPstr:  shapeStoreDst,
	instruction.KindPstrw: shapeStoreDst,
	instruction.KindPstrb: shapeStoreDst,

	instruction.KindNand: shapeAluDstAB, instruction.KindOr: shapeAluDstAB,
	instruction.KindAnd: shapeAluDstAB, instruction.KindNor: shapeAluDstAB,
	instruction.KindAdd: shapeAluDstAB, instruction.KindSub: shapeAluDstAB,
	instruction.KindXor: shapeAluDstAB, instruction.KindLsl: shapeAluDstAB,
	instruction.KindLsr: shapeAluDstAB, instruction.KindMul: shapeAluDstAB,
	instruction.KindImul: shapeAluDstAB, instruction.KindDiv: shapeAluDstAB,
	instruction.KindIdiv: shapeAluDstAB, instruction.KindRem: shapeAluDstAB,
	instruction.KindIrem: shapeAluDstAB,
	instruction.KindSe:   shapeAluDstAB, instruction.KindSne: shapeAluDstAB,
	instruction.KindSl: shapeAluDstAB, instruction.KindSle: shapeAluDstAB,
	instruction.KindSg: shapeAluDstAB, instruction.KindSge: shapeAluDstAB,
	instruction.KindAsr: shapeAluDstAB,

	instruction.KindJmp: shapeTargetOnly,
	instruction.KindCall: shapeTargetOnly,

	instruction.KindJe: shapeJumpAB, instruction.KindJne: shapeJumpAB,
	instruction.KindJl: shapeJumpAB, instruction.KindJge: shapeJumpAB,
	instruction.KindJle: shapeJumpAB, instruction.KindJg: shapeJumpAB,
	instruction.KindJb: shapeJumpAB, instruction.KindJae: shapeJumpAB,
	instruction.KindJbe: shapeJumpAB, instruction.KindJa: shapeJumpAB,
}

// mnemonicKinds is the inverse of instruction's mnemonic table, built
// once so the parser can map a lowercase token back to a Kind.
var mnemonicKinds = func() map[string]instruction.Kind {
	m := make(map[string]instruction.Kind, len(shapes))
	for k := range shapes {
		m[k.String()] = k
	}
	return m
}()

// regNames maps ABI register names to indices, the inverse of
// register.Index.String().
var regNames = func() map[string]register.Index {
	m := make(map[string]register.Index, register.Count)
	for i := register.Index(0); i < register.Count; i++ {
		m[i.String()] = i
	}
	return m
}()

// pendingInstruction is an intermediate, not-yet-encoded line, built
// during pass one and resolved against the label table during pass
// two.
type pendingInstruction struct {
	line   int
	offset uint32
	kind   instruction.Kind
	// operand fields; their meaning depends on shape.
	dst, a, b, c, d register.Index
	// immOperand, when non-nil, holds either a literal integer or an
	// unresolved label reference to be looked up in pass two.
	immOperand *operand
}

type operand struct {
	literal  uint32
	isLabel  bool
	label    string
	hasLabel bool
}

// Assemble compiles the mnemonic source text into the byte image the
// emulator executes. filename is used only for error messages.
func Assemble(filename, text string) ([]byte, error) {
	labels := make(map[string]uint32)
	var pending []pendingInstruction

	var offset uint32
	for lineno, raw := range strings.Split(text, "\n") {
		lineno++ // 1-indexed, matching the teacher's Lineno convention
		line := stripComment(raw)
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if label, rest, ok := splitLabel(line); ok {
			if _, exists := labels[label]; exists {
				return nil, &Error{filename, lineno, fmt.Sprintf("duplicate label %q", label)}
			}
			labels[label] = offset
			line = strings.TrimSpace(rest)
			if line == "" {
				continue
			}
		}

		pi, err := parseLine(filename, lineno, line)
		if err != nil {
			return nil, err
		}
		pi.offset = offset
		pending = append(pending, pi)
		offset += instrSize(pi)
	}

	var out []byte
	for _, pi := range pending {
		d, err := resolve(filename, pi, labels)
		if err != nil {
			return nil, err
		}
		enc, err := instruction.Encode(d)
		if err != nil {
			return nil, &Error{filename, pi.line, err.Error()}
		}
		out = append(out, enc...)
	}
	return out, nil
}

func instrSize(pi pendingInstruction) uint32 {
	if pi.immOperand != nil || pi.kind == instruction.KindTme {
		return 8
	}
	return 4
}

func stripComment(line string) string {
	if i := strings.IndexByte(line, ';'); i >= 0 {
		return line[:i]
	}
	if i := strings.IndexByte(line, '#'); i >= 0 {
		return line[:i]
	}
	return line
}

func splitLabel(line string) (label, rest string, ok bool) {
	i := strings.IndexByte(line, ':')
	if i < 0 {
		return "", line, false
	}
	return strings.TrimSpace(line[:i]), line[i+1:], true
}

func parseLine(filename string, lineno int, line string) (pendingInstruction, error) {
	line = strings.NewReplacer(",", " ", "[", " ", "]", " ").Replace(line)
	fields := strings.Fields(line)
	mnemonic := strings.ToLower(fields[0])
	operands := fields[1:]

	kind, ok := mnemonicKinds[mnemonic]
	if !ok {
		return pendingInstruction{}, &Error{filename, lineno, fmt.Sprintf("unknown mnemonic %q", mnemonic)}
	}
	sh, ok := shapes[kind]
	if !ok {
		return pendingInstruction{}, &Error{filename, lineno, fmt.Sprintf("mnemonic %q has no known operand shape", mnemonic)}
	}

	pi := pendingInstruction{line: lineno, kind: kind}

	parseReg := func(tok string) (register.Index, error) {
		r, ok := regNames[strings.ToLower(tok)]
		if !ok {
			return 0, fmt.Errorf("not a register: %q", tok)
		}
		return r, nil
	}
	parseRegOrImm := func(tok string) (register.Index, *operand, error) {
		if r, ok := regNames[strings.ToLower(tok)]; ok {
			return r, nil, nil
		}
		op, err := parseOperand(tok)
		return 0, op, err
	}

	need := func(n int) error {
		if len(operands) != n {
			return fmt.Errorf("%s expects %d operand(s), got %d", mnemonic, n, len(operands))
		}
		return nil
	}

	var err error
	switch sh {
	case shapeNone:
		err = need(0)
	case shapeDst:
		if err = need(1); err == nil {
			pi.dst, err = parseReg(operands[0])
		}
	case shapeA:
		if kind == instruction.KindHlt && len(operands) == 0 {
			break // bare hlt halts through a = zr, i.e. exit code 0
		}
		if err = need(1); err == nil {
			pi.a, err = parseReg(operands[0])
		}
	case shapeAB:
		if err = need(2); err == nil {
			if pi.a, err = parseReg(operands[0]); err == nil {
				pi.b, err = parseReg(operands[1])
			}
		}
	case shapeABCD:
		if err = need(4); err == nil {
			if pi.a, err = parseReg(operands[0]); err == nil {
				if pi.b, err = parseReg(operands[1]); err == nil {
					if pi.c, err = parseReg(operands[2]); err == nil {
						pi.d, err = parseReg(operands[3])
					}
				}
			}
		}
	case shapeDstAImm:
		if err = need(2); err == nil {
			if pi.dst, err = parseReg(operands[0]); err == nil {
				pi.a, pi.immOperand, err = parseRegOrImm(operands[1])
			}
		}
	case shapeDstLoad:
		if err = need(2); err == nil {
			if pi.dst, err = parseReg(operands[0]); err == nil {
				pi.a, pi.immOperand, err = parseRegOrImm(operands[1])
			}
		}
	case shapeStoreDst:
		if err = need(2); err == nil {
			if pi.dst, err = parseReg(operands[0]); err == nil {
				pi.a, pi.immOperand, err = parseRegOrImm(operands[1])
			}
		}
	case shapeAluDstAB:
		if err = need(3); err == nil {
			if pi.dst, err = parseReg(operands[0]); err == nil {
				if pi.a, err = parseReg(operands[1]); err == nil {
					pi.b, pi.immOperand, err = parseRegOrImm(operands[2])
				}
			}
		}
	case shapeJumpAB:
		if err = need(3); err == nil {
			if pi.a, err = parseReg(operands[0]); err == nil {
				if pi.b, err = parseReg(operands[1]); err == nil {
					pi.dst, pi.immOperand, err = parseRegOrImm(operands[2])
				}
			}
		}
	case shapeTargetOnly:
		if err = need(1); err == nil {
			pi.dst, pi.immOperand, err = parseRegOrImm(operands[0])
		}
	}
	if err != nil {
		return pendingInstruction{}, &Error{filename, lineno, err.Error()}
	}
	return pi, nil
}

// parseOperand accepts a decimal or 0x-prefixed hex literal, or a bare
// identifier treated as a forward/backward label reference.
func parseOperand(tok string) (*operand, error) {
	if v, err := strconv.ParseUint(tok, 0, 32); err == nil {
		return &operand{literal: uint32(v)}, nil
	}
	return &operand{isLabel: true, label: tok, hasLabel: true}, nil
}

func resolve(filename string, pi pendingInstruction, labels map[string]uint32) (instruction.Decoded, error) {
	d := instruction.Decoded{
		Kind: pi.kind,
		Dst:  uint8(pi.dst), A: uint8(pi.a), B: uint8(pi.b),
		C: uint8(pi.c), D: uint8(pi.d),
	}
	if pi.kind == instruction.KindTme {
		d.HasImm = true
		d.Imm = uint32(pi.c) | uint32(pi.d)<<8
		return d, nil
	}
	if pi.immOperand == nil {
		return d, nil
	}
	d.HasImm = true
	if pi.immOperand.isLabel {
		addr, ok := labels[pi.immOperand.label]
		if !ok {
			return instruction.Decoded{}, &Error{filename, pi.line, fmt.Sprintf("undefined label %q", pi.immOperand.label)}
		}
		d.Imm = addr
	} else {
		d.Imm = pi.immOperand.literal
	}
	return d, nil
}
