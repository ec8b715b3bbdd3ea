package orchestrator

import (
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// Attacher acquires and releases the kernel attachment points spec.md
// §4.13 names: a clsact qdisc plus a priority-1 TC filter per interface
// for the egress/ingress-PROXY programs, and an XDP attach (native,
// falling back to generic) for the ingress program. Each Attach* call
// that succeeds must have a matching, idempotent detach returned so the
// caller can push it onto the rollback stack.
//
// netlinkAttacher is the real implementation; userspaceAttacher is the
// no-op fallback spec.md §4.14 describes ("a non-XDP userspace mode the
// orchestrator can select when native/generic XDP attach is
// unavailable").
type Attacher interface {
	AttachClsact(ifname string, prog *ebpf.Program) (detach func() error, err error)
	AttachXDP(ifname string, prog *ebpf.Program) (detach func() error, err error)
}

// netlinkAttacher attaches via github.com/vishvananda/netlink (clsact
// qdisc + BPF filter) and github.com/cilium/ebpf/link (XDP), per spec.md
// §4.13's "create clsact qdiscs and attach TC filters at priority 1,
// attach XDP (preferring native then generic driver mode)".
type netlinkAttacher struct{}

func (netlinkAttacher) AttachClsact(ifname string, prog *ebpf.Program) (func() error, error) {
	ifc, err := netlink.LinkByName(ifname)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: link %s: %w", ifname, err)
	}
	ifindex := ifc.Attrs().Index

	qdisc := &netlink.GenericQdisc{
		QdiscAttrs: netlink.QdiscAttrs{
			LinkIndex: ifindex,
			Handle:    netlink.MakeHandle(0xffff, 0),
			Parent:    netlink.HANDLE_CLSACT,
		},
		QdiscType: "clsact",
	}
	if err := netlink.QdiscAdd(qdisc); err != nil {
		return nil, fmt.Errorf("orchestrator: add clsact on %s: %w", ifname, err)
	}
	detachQdisc := func() error { return netlink.QdiscDel(qdisc) }

	filter := &netlink.BpfFilter{
		FilterAttrs: netlink.FilterAttrs{
			LinkIndex: ifindex,
			Parent:    netlink.HANDLE_MIN_EGRESS,
			Handle:    netlink.MakeHandle(0, 1),
			Protocol:  unix.ETH_P_ALL,
			Priority:  1,
		},
		Fd:           prog.FD(),
		Name:         "xlb_egress",
		DirectAction: true,
	}
	if err := netlink.FilterAdd(filter); err != nil {
		_ = detachQdisc()
		return nil, fmt.Errorf("orchestrator: attach tc filter on %s: %w", ifname, err)
	}

	return func() error {
		if err := netlink.FilterDel(filter); err != nil {
			return err
		}
		return detachQdisc()
	}, nil
}

func (netlinkAttacher) AttachXDP(ifname string, prog *ebpf.Program) (func() error, error) {
	l, err := netlink.LinkByName(ifname)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: link %s: %w", ifname, err)
	}
	ifindex := l.Attrs().Index

	// spec.md §4.13: "attach XDP (preferring native then generic driver
	// mode)".
	modes := []link.XDPAttachFlags{link.XDPDriverMode, link.XDPGenericMode}
	var xl link.Link
	var lastErr error
	for _, mode := range modes {
		xl, lastErr = link.AttachXDP(link.XDPOptions{
			Program:   prog,
			Interface: ifindex,
			Flags:     mode,
		})
		if lastErr == nil {
			break
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("orchestrator: attach xdp on %s: %w", ifname, lastErr)
	}
	return xl.Close, nil
}

// userspaceAttacher is the software-reference fallback of spec.md §4.14:
// no kernel objects are touched, so tests and non-root CI runs can drive
// the orchestrator's full lifecycle (including rollback) without
// privilege.
type userspaceAttacher struct{}

func (userspaceAttacher) AttachClsact(ifname string, _ *ebpf.Program) (func() error, error) {
	return func() error { return nil }, nil
}

func (userspaceAttacher) AttachXDP(ifname string, _ *ebpf.Program) (func() error, error) {
	return func() error { return nil }, nil
}
