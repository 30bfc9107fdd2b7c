// Package scheduler turns the current configuration into a daily
// cadence of SetTemp / SetAlarm / Prime commands. The schedule is pure
// config-and-clock derived; on every configuration change the running
// schedule is aborted and rebuilt from scratch (see Build / calc.go).
package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/stapelberg/opensleepd/internal/config"
)

// Sink receives the commands a schedule entry fires.
type Sink interface {
	SetTemperature(side config.Side, centiCelsius uint16)
	SetAlarm(side config.Side, alarm config.AlarmConfig)
	Prime()
}

// Scheduler rebuilds and runs the daily schedule, restarting whenever
// the watched Bus publishes a new configuration.
type Scheduler struct {
	bus  *config.Bus
	sink Sink
	now  func() time.Time
}

func New(bus *config.Bus, sink Sink) *Scheduler {
	return &Scheduler{bus: bus, sink: sink, now: time.Now}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	changed, cancel := s.bus.Subscribe()
	defer cancel()

	for {
		runCtx, runCancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			s.runOnce(runCtx, s.bus.Snapshot())
		}()

		select {
		case <-ctx.Done():
			runCancel()
			<-done
			return
		case <-changed:
			log.Printf("scheduler: configuration changed, rebuilding schedule")
			runCancel()
			<-done
		}
	}
}

// runOnce runs a single schedule to completion (or until ctx is
// cancelled). Each entry repeats daily: after firing, it is advanced by
// 24h and re-inserted.
func (s *Scheduler) runOnce(ctx context.Context, cfg *config.Config) {
	entries := Build(cfg, s.now())
	if len(entries) == 0 {
		<-ctx.Done()
		return
	}

	for {
		next := entries[0]
		d := next.At.Sub(s.now())
		if d > 0 {
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}

		s.fire(next)

		entries = entries[1:]
		next.At = next.At.AddDate(0, 0, 1)
		entries = insertSorted(entries, next)
	}
}

func (s *Scheduler) fire(e Entry) {
	switch e.Kind {
	case SetTemp:
		s.sink.SetTemperature(e.Side, e.CentiCelsius)
	case SetAlarm:
		s.sink.SetAlarm(e.Side, e.Alarm)
	case Prime:
		s.sink.Prime()
	}
}

func insertSorted(entries []Entry, e Entry) []Entry {
	i := 0
	for i < len(entries) && entries[i].At.Before(e.At) {
		i++
	}
	entries = append(entries, Entry{})
	copy(entries[i+1:], entries[i:])
	entries[i] = e
	return entries
}
