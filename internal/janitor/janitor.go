// Package janitor clears persisted generating guards that no live loop owns,
// such as those left behind by a crashed process.
package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Store lists rooms whose persisted guard is set.
type Store interface {
	GeneratingRoomIDs(ctx context.Context) ([]string, error)
}

// Reclaimer clears a room's persisted guard unless a live loop owns it,
// deciding and writing under the room's lock. It reports whether it cleared.
type Reclaimer interface {
	ReclaimGuard(ctx context.Context, roomID string) (bool, error)
}

// Janitor sweeps stale guards at startup and on a cron schedule.
type Janitor struct {
	store    Store
	rooms    Reclaimer
	schedule cron.Schedule // nil = startup sweep only
	log      *zap.Logger
}

// Opts configures a Janitor.
type Opts struct {
	Store  Store
	Rooms  Reclaimer
	Cron   string // 5-field expression; empty disables the schedule
	Logger *zap.Logger
}

// New creates a Janitor, rejecting an unparsable cron expression.
func New(opts Opts) (*Janitor, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("janitor: store is required")
	}
	if opts.Rooms == nil {
		return nil, fmt.Errorf("janitor: reclaimer is required")
	}
	j := &Janitor{store: opts.Store, rooms: opts.Rooms, log: opts.Logger}
	if j.log == nil {
		j.log = zap.NewNop()
	}
	j.log = j.log.Named("janitor")
	if opts.Cron != "" {
		sched, err := cronParser.Parse(opts.Cron)
		if err != nil {
			return nil, fmt.Errorf("janitor: cron %q: %w", opts.Cron, err)
		}
		j.schedule = sched
	}
	return j, nil
}

// Sweep clears every persisted guard not backed by a live loop and returns
// how many were cleared. A failure on one room does not stop the rest.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	ids, err := j.store.GeneratingRoomIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("janitor: sweep: %w", err)
	}
	cleared := 0
	var firstErr error
	for _, id := range ids {
		ok, err := j.rooms.ReclaimGuard(ctx, id)
		if err != nil {
			j.log.Warn("clear stale guard", zap.String("room", id), zap.Error(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("janitor: sweep: %w", err)
			}
			continue
		}
		if !ok {
			continue
		}
		cleared++
		j.log.Info("cleared stale generating guard", zap.String("room", id))
	}
	return cleared, firstErr
}

// Next returns the next scheduled sweep after now, or the zero time when
// no schedule is configured.
func (j *Janitor) Next(now time.Time) time.Time {
	if j.schedule == nil {
		return time.Time{}
	}
	return j.schedule.Next(now)
}

// Run sweeps once, then on the cron schedule until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	if _, err := j.Sweep(ctx); err != nil {
		j.log.Error("startup sweep", zap.Error(err))
	}
	if j.schedule == nil {
		<-ctx.Done()
		return nil
	}

	c := cron.New(cron.WithParser(cronParser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(j.schedule, cron.FuncJob(func() {
		if _, err := j.Sweep(ctx); err != nil {
			j.log.Error("scheduled sweep", zap.Error(err))
		}
	}))
	c.Start()
	j.log.Info("sweep scheduled", zap.Time("next", j.Next(time.Now())))
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
