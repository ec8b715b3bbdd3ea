// Package ir defines a small instruction set used to describe the ingress,
// egress, and PROXY-protocol-injector packet programs in the bounded-loop,
// fixed-stack-offset shape a BPF verifier requires, per spec.md §9's design
// note: "a re-implementation should express it as a higher-level IR over
// the same verifier-friendly shape: explicit bounded loops, fixed stack
// offsets, and label-based jumps with a separate resolution pass."
//
// This package is documentation-as-data, not an executable instruction
// interpreter: the executable behavior lives in pkg/ingress, pkg/egress,
// and pkg/proxyproto as ordinary Go functions operating on gopacket frames.
// A Program value records, for one packet program, the same pipeline in
// IR form so a reviewer (or a future BPF C code generator) can check its
// loop bounds and stack layout by inspection, and so tests can assert that
// the Go implementation never exceeds the bounds the IR declares.
package ir

import (
	"fmt"
	"strings"
)

// Op is one instruction kind in the IR.
type Op int

const (
	OpBoundsCheck Op = iota
	OpLoad
	OpStore
	OpCall
	OpJumpIfEqual
	OpJumpIfLess
	OpLabel
	OpLoopBounded
	OpTailChunkCopy
	OpReturn
)

func (o Op) String() string {
	names := [...]string{
		"bounds_check", "load", "store", "call",
		"jeq", "jlt", "label", "loop_bounded", "tail_chunk_copy", "return",
	}
	if int(o) < len(names) {
		return names[o]
	}
	return "unknown"
}

// Insn is one IR instruction. StackOff is a fixed (not dynamically
// computed) byte offset into the program's scratch stack area, matching
// the "fixed stack offsets" requirement; MaxIters bounds OpLoopBounded.
type Insn struct {
	Op       Op
	Comment  string
	StackOff int
	MaxIters int
	Label    string
	Target   string
}

// Program is the ordered instruction sequence for one packet program,
// plus its declared verifier-relevant bounds.
type Program struct {
	Name           string
	MaxLoopIters   int // the largest MaxIters across all OpLoopBounded instructions
	StackBytes     int // total fixed scratch stack required
	Instructions   []Insn
}

// NewProgram resolves label targets (a separate resolution pass, per the
// design note) and computes MaxLoopIters/StackBytes from the instruction
// list.
func NewProgram(name string, insns []Insn) (*Program, error) {
	labels := make(map[string]int, 4)
	for i, ins := range insns {
		if ins.Op == OpLabel {
			labels[ins.Label] = i
		}
	}
	for _, ins := range insns {
		if (ins.Op == OpJumpIfEqual || ins.Op == OpJumpIfLess) && ins.Target != "" {
			if _, ok := labels[ins.Target]; !ok {
				return nil, fmt.Errorf("ir: unresolved jump target %q in program %q", ins.Target, name)
			}
		}
	}
	p := &Program{Name: name, Instructions: insns}
	for _, ins := range insns {
		if ins.Op == OpLoopBounded && ins.MaxIters > p.MaxLoopIters {
			p.MaxLoopIters = ins.MaxIters
		}
		if ins.StackOff+8 > p.StackBytes {
			p.StackBytes = ins.StackOff + 8
		}
	}
	return p, nil
}

// String disassembles the program for review/logging.
func (p *Program) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "program %s (max_loop_iters=%d stack_bytes=%d)\n", p.Name, p.MaxLoopIters, p.StackBytes)
	for _, ins := range p.Instructions {
		switch ins.Op {
		case OpLabel:
			fmt.Fprintf(&b, "%s:\n", ins.Label)
		case OpLoopBounded:
			fmt.Fprintf(&b, "  loop_bounded max=%d ; %s\n", ins.MaxIters, ins.Comment)
		case OpJumpIfEqual, OpJumpIfLess:
			fmt.Fprintf(&b, "  %s -> %s ; %s\n", ins.Op, ins.Target, ins.Comment)
		default:
			fmt.Fprintf(&b, "  %s ; %s\n", ins.Op, ins.Comment)
		}
	}
	return b.String()
}
