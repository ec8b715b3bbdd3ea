package conntrack

import (
	"context"
	"errors"

	"github.com/cilium/ebpf/ringbuf"

	"github.com/cilium/xlb/pkg/events"
	"github.com/cilium/xlb/pkg/maps"
)

// Consumer drains the kernel stats ring buffer and republishes decoded
// records onto the control plane's event bus, per spec.md §4.6: "A
// dedicated consumer drains the ring buffer, decodes events, and forwards
// them to access-log and metric collaborators. The consumer must survive
// producer overruns without blocking." Access-log/metrics exposition are
// themselves out-of-scope external collaborators (spec.md §1); this
// consumer's job ends at publishing onto the Bus.
type Consumer struct {
	Bus *events.Bus
}

// Run reads records from reader until ctx is cancelled or the reader is
// closed. Decode failures (a malformed or truncated record, e.g. from a
// producer overrun tearing a record) are logged and skipped rather than
// fatal, satisfying "must survive producer overruns without blocking."
func (c *Consumer) Run(ctx context.Context, reader *ringbuf.Reader) error {
	go func() {
		<-ctx.Done()
		_ = reader.Close()
	}()
	for {
		record, err := reader.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			log.WithError(err).Warn("ring buffer read error, continuing")
			continue
		}
		ev, err := maps.DecodeStatsEvent(record.RawSample)
		if err != nil {
			log.WithError(err).Warn("dropping malformed stats record")
			continue
		}
		c.Bus.Publish(events.Event{Kind: kindFor(ev.Type), Payload: ev})
	}
}

func kindFor(t maps.StatsEventType) events.Kind {
	switch t {
	case maps.EventNewConn:
		return events.KindNewConn
	case maps.EventConnClosed:
		return events.KindConnClosed
	default:
		return events.KindPeriodicStats
	}
}
