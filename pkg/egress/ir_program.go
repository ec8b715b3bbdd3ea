package egress

import "github.com/cilium/xlb/pkg/ir"

// Program documents the egress packet program's pipeline in the
// bounds-declaring IR of pkg/ir, per SPEC_FULL.md §4.14.
var Program = mustBuildProgram()

func mustBuildProgram() *ir.Program {
	p, err := ir.NewProgram("egress", []ir.Insn{
		{Op: ir.OpBoundsCheck, Comment: "ethernet + l3/l4 parse, as ingress"},
		{Op: ir.OpLoopBounded, Comment: "ipv6 extension header chain", MaxIters: maxIPv6ExtHeaders},
		{Op: ir.OpJumpIfEqual, Comment: "parse ok, else PASS", Target: "reverse_key"},
		{Op: ir.OpReturn, Comment: "PASS: unparseable frame"},

		{Op: ir.OpLabel, Label: "reverse_key"},
		{Op: ir.OpLoad, Comment: "build reverse 5-tuple, swap src/dst"},
		{Op: ir.OpCall, Comment: "conntrack map lookup(reverse->forward key)"},
		{Op: ir.OpJumpIfEqual, Comment: "hit, else OK (not ours)", Target: "update"},
		{Op: ir.OpReturn, Comment: "OK: no matching conntrack entry"},

		{Op: ir.OpLabel, Label: "update"},
		{Op: ir.OpStore, Comment: "last_seen_ns, packets_rev++, bytes_rev+=len", StackOff: 0},
		{Op: ir.OpJumpIfEqual, Comment: "SYN_SENT && SYN|ACK => SYN_RECV", Target: "rewrite"},

		{Op: ir.OpLabel, Label: "rewrite"},
		{Op: ir.OpStore, Comment: "src ip = orig_dst_ip, src port = orig_dst_port", StackOff: 8},
		{Op: ir.OpCall, Comment: "l3_csum_replace (ipv4 only)"},
		{Op: ir.OpCall, Comment: "l4_csum_replace"},
		{Op: ir.OpJumpIfEqual, Comment: "seq_offset != 0 => adjust ack", Target: "adjust_ack"},
		{Op: ir.OpReturn, Comment: "OK"},

		{Op: ir.OpLabel, Label: "adjust_ack"},
		{Op: ir.OpStore, Comment: "ack -= seq_offset", StackOff: 16},
		{Op: ir.OpCall, Comment: "l4_csum_replace(ack delta)"},
		{Op: ir.OpReturn, Comment: "OK"},
	})
	if err != nil {
		panic(err)
	}
	return p
}
