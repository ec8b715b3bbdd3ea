package proxyproto

import "github.com/cilium/xlb/pkg/ir"

// Program documents the PROXY-protocol injector's bounded shape, per
// SPEC_FULL.md §4.14: the payload shift is a fixed-iteration-count,
// fixed-chunk-size loop (maxChunks x chunkSize), never a loop over the
// payload's runtime length.
var Program = mustBuildProgram()

func mustBuildProgram() *ir.Program {
	p, err := ir.NewProgram("proxyproto", []ir.Insn{
		{Op: ir.OpBoundsCheck, Comment: "ethernet + ipv4/ipv6 + tcp parse"},
		{Op: ir.OpJumpIfEqual, Comment: "parse ok, else pass through unchanged", Target: "advance_state"},
		{Op: ir.OpReturn, Comment: "unparseable or non-TCP: unchanged"},

		{Op: ir.OpLabel, Label: "advance_state"},
		{Op: ir.OpStore, Comment: "NEW+SYN => SYN_SENT; SYN_RECV+ACK => ESTABLISHED", StackOff: 0},
		{Op: ir.OpJumpIfEqual, Comment: "state == ESTABLISHED && proxy_enabled, else done", Target: "injected_check"},
		{Op: ir.OpReturn, Comment: "unchanged: not yet established or proxy disabled"},

		{Op: ir.OpLabel, Label: "injected_check"},
		{Op: ir.OpJumpIfEqual, Comment: "header_injected == 1 => seq adjust path", Target: "seq_adjust"},

		{Op: ir.OpJumpIfEqual, Comment: "payload_len > 0, else unchanged", Target: "size_check"},
		{Op: ir.OpReturn, Comment: "unchanged: no payload yet"},

		{Op: ir.OpLabel, Label: "size_check"},
		{Op: ir.OpJumpIfLess, Comment: "payload_len <= 1536, else skip injection", Target: "shift"},
		{Op: ir.OpCall, Comment: "emit proxy_skipped stat"},
		{Op: ir.OpReturn, Comment: "skipped: payload too large"},

		{Op: ir.OpLabel, Label: "shift"},
		{Op: ir.OpTailChunkCopy, Comment: "shift payload down by header_len, 64B chunks, last-chunk-first", MaxIters: maxChunks},
		{Op: ir.OpStore, Comment: "write PROXY v2 header into vacated bytes", StackOff: 16},
		{Op: ir.OpCall, Comment: "update ip total/payload length + l3 checksum"},
		{Op: ir.OpCall, Comment: "full tcp checksum recompute over pseudo-header + segment"},
		{Op: ir.OpStore, Comment: "proxy_flags |= HEADER_INJECTED, seq_offset = header_len", StackOff: 24},
		{Op: ir.OpReturn, Comment: "injected"},

		{Op: ir.OpLabel, Label: "seq_adjust"},
		{Op: ir.OpStore, Comment: "seq += seq_offset", StackOff: 32},
		{Op: ir.OpCall, Comment: "l4_csum_replace(seq delta)"},
		{Op: ir.OpReturn, Comment: "unchanged (header already injected, seq rebased)"},
	})
	if err != nil {
		panic(err)
	}
	return p
}
