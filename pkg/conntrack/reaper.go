package conntrack

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cilium/xlb/pkg/events"
	"github.com/cilium/xlb/pkg/maps"
)

var log = logrus.WithField("subsys", "conntrack")

// Reaper periodically scans Table and deletes entries whose last_seen_ns
// is older than IdleTimeout, per spec.md §4.6.
type Reaper struct {
	Table        Table
	IdleTimeout  time.Duration
	Interval     time.Duration
	StatsEnabled func() bool
	Bus          *events.Bus
	Now          func() time.Time
}

// NewReaper returns a Reaper with sane defaults for Interval/Now.
func NewReaper(table Table, idleTimeout time.Duration, bus *events.Bus, statsEnabled func() bool) *Reaper {
	return &Reaper{
		Table:        table,
		IdleTimeout:  idleTimeout,
		Interval:     5 * time.Second,
		StatsEnabled: statsEnabled,
		Bus:          bus,
		Now:          time.Now,
	}
}

// Run blocks, sweeping at Interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep performs one reap pass and returns the number of entries removed.
func (r *Reaper) Sweep() int {
	now := r.Now()
	var expired []maps.ConntrackKey
	r.Table.ForEach(func(k maps.ConntrackKey, v maps.ConntrackValue) bool {
		if v.IdleDuration(now) > r.IdleTimeout {
			expired = append(expired, k)
		}
		return true
	})
	for _, k := range expired {
		v, ok := r.Table.Lookup(k)
		r.Table.Delete(k)
		if ok && r.StatsEnabled != nil && r.StatsEnabled() && r.Bus != nil {
			r.Bus.Publish(events.Event{
				Kind: events.KindConnClosed,
				Payload: maps.StatsEvent{
					Type:        maps.EventConnClosed,
					TimestampNs: uint64(now.UnixNano()),
					Key:         k,
					BackendIP:   v.NatDstIP,
					BackendPort: v.NatDstPort,
					Packets:     v.PacketsFwd + v.PacketsRev,
					Bytes:       v.BytesFwd + v.BytesRev,
				},
			})
		}
	}
	if len(expired) > 0 {
		log.WithField("count", len(expired)).Debug("reaped idle conntrack entries")
	}
	return len(expired)
}
