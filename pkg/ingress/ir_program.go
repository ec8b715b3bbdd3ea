package ingress

import "github.com/cilium/xlb/pkg/ir"

// Program documents the ingress packet program's pipeline in the
// bounds-declaring IR of pkg/ir, per SPEC_FULL.md §4.14. It is built once
// at package init and is not itself executed; Pipeline.Process is.
var Program = mustBuildProgram()

func mustBuildProgram() *ir.Program {
	p, err := ir.NewProgram("ingress", []ir.Insn{
		{Op: ir.OpBoundsCheck, Comment: "ethernet header (14 bytes)"},
		{Op: ir.OpLoad, Comment: "ethertype", StackOff: 0},
		{Op: ir.OpJumpIfEqual, Comment: "ipv4/ipv6 only, else PASS", Target: "l3_parse"},
		{Op: ir.OpReturn, Comment: "PASS: unsupported ethertype"},

		{Op: ir.OpLabel, Label: "l3_parse"},
		{Op: ir.OpBoundsCheck, Comment: "ipv4 20-byte header or ipv6 40-byte header", StackOff: 8},
		{Op: ir.OpLoopBounded, Comment: "ipv6 extension header chain", MaxIters: maxIPv6ExtHeaders},
		{Op: ir.OpJumpIfEqual, Comment: "tcp/udp only, else PASS", Target: "listen_lookup"},
		{Op: ir.OpReturn, Comment: "PASS: unsupported L4 protocol or IHL with options"},

		{Op: ir.OpLabel, Label: "listen_lookup"},
		{Op: ir.OpCall, Comment: "listen map lookup(ifindex,dst_port,af)"},
		{Op: ir.OpJumpIfEqual, Comment: "hit, else PASS", Target: "conntrack_lookup"},
		{Op: ir.OpReturn, Comment: "PASS: no listener"},

		{Op: ir.OpLabel, Label: "conntrack_lookup"},
		{Op: ir.OpCall, Comment: "conntrack map lookup(forward key)"},
		{Op: ir.OpJumpIfEqual, Comment: "hit, skip selection", Target: "rewrite"},

		{Op: ir.OpCall, Comment: "source rate-limit bucket refill+check"},
		{Op: ir.OpJumpIfEqual, Comment: "deficit => DROP", Target: "drop"},

		{Op: ir.OpCall, Comment: "LPM lookup(src_addr)"},
		{Op: ir.OpCall, Comment: "SNI parse (bounded 64-byte scratch) + hash + lookup", StackOff: 16},
		{Op: ir.OpCall, Comment: "select target: weighted-random | session-sticky | least-conn"},
		{Op: ir.OpJumpIfEqual, Comment: "no target selectable => DROP", Target: "drop"},
		{Op: ir.OpCall, Comment: "backend rate-limit bucket refill+check"},
		{Op: ir.OpJumpIfEqual, Comment: "deficit => DROP", Target: "drop"},
		{Op: ir.OpCall, Comment: "conntrack map insert-if-absent"},

		{Op: ir.OpLabel, Label: "rewrite"},
		{Op: ir.OpStore, Comment: "dst ip, dst port", StackOff: 24},
		{Op: ir.OpCall, Comment: "l3_csum_replace (ipv4 only)"},
		{Op: ir.OpCall, Comment: "l4_csum_replace"},
		{Op: ir.OpCall, Comment: "emit new-conn stats event iff inserted && stats_enabled"},
		{Op: ir.OpReturn, Comment: "TX"},

		{Op: ir.OpLabel, Label: "drop"},
		{Op: ir.OpReturn, Comment: "DROP"},
	})
	if err != nil {
		panic(err)
	}
	return p
}
