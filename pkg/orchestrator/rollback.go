package orchestrator

import "github.com/sirupsen/logrus"

// rollback is the LIFO undo stack spec.md §5 and §7 require for startup
// acquisition: push an undo action after each successful step (map
// created, program attached, qdisc installed), and unwind on any later
// failure so an aborted startup leaves no half-attached state behind.
//
// This mirrors the intent of the teacher's pkg/completion/pkg/revert
// acquire-or-revert idiom referenced from pkg/endpoint/bpf.go; neither
// package was present in the retrieved pack, so this is an independent
// reconstruction of the same shape rather than copied teacher code.
type rollback struct {
	actions []func() error
}

// push records undo as the action to run if unwind is later called.
func (r *rollback) push(undo func() error) {
	r.actions = append(r.actions, undo)
}

// commit discards the stack without running anything: the acquisition
// sequence succeeded end to end.
func (r *rollback) commit() {
	r.actions = nil
}

// unwind runs every recorded undo action in reverse order, logging (but
// not stopping on) individual failures so one stuck detach doesn't leave
// the rest of the stack unreleased.
func (r *rollback) unwind() {
	for i := len(r.actions) - 1; i >= 0; i-- {
		if err := r.actions[i](); err != nil {
			log.WithError(err).Warn("rollback: undo action failed")
		}
	}
	r.actions = nil
}

var log = logrus.WithField("subsys", "orchestrator")
