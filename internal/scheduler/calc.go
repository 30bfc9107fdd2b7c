package scheduler

import (
	"time"

	"github.com/stapelberg/opensleepd/internal/config"
	"github.com/stapelberg/opensleepd/internal/interp"
)

// calcSleepWakeDts returns the next (sleep, wake) instant pair such
// that sleep < wake and the pair is the one the user is currently in
// or about to enter.
func calcSleepWakeDts(sleep, wake config.ClockTime, now time.Time, loc *time.Location) (time.Time, time.Time) {
	sleepToday := sleep.On(now, loc)
	wakeToday := wake.On(now, loc)

	crossesMidnight := sleep.Hour*60+sleep.Minute > wake.Hour*60+wake.Minute
	if crossesMidnight {
		if now.Before(wakeToday) {
			return sleepToday.AddDate(0, 0, -1), wakeToday
		}
		return sleepToday, wakeToday.AddDate(0, 0, 1)
	}

	if now.After(wakeToday) {
		return sleepToday.AddDate(0, 0, 1), wakeToday.AddDate(0, 0, 1)
	}
	return sleepToday, wakeToday
}

// Kind identifies the action a schedule Entry performs.
type Kind int

const (
	SetTemp Kind = iota
	SetAlarm
	ClearAlarm
	Prime
)

// Entry is one timed action in a side's daily schedule.
type Entry struct {
	At           time.Time
	Side         config.Side
	Kind         Kind
	CentiCelsius uint16
	Alarm        config.AlarmConfig
}

// buildSideSchedule divides the side's sleep window into
// len(Temperatures) equal segments and, if an alarm is configured,
// schedules it 3 minutes ahead of its nominal start so the firmware
// has lead time to arm it.
func buildSideSchedule(side config.Side, profile config.SideProfile, now time.Time, loc *time.Location) []Entry {
	if !profile.Enabled() {
		return nil
	}

	sleepDt, wakeDt := calcSleepWakeDts(profile.Sleep, profile.Wake, now, loc)
	total := wakeDt.Sub(sleepDt)
	n := len(profile.Temperatures)
	segment := total / time.Duration(n)

	entries := make([]Entry, 0, n+1)
	for i, temp := range profile.Temperatures {
		entries = append(entries, Entry{
			At:           sleepDt.Add(time.Duration(i) * segment),
			Side:         side,
			Kind:         SetTemp,
			CentiCelsius: interp.Centi(temp),
		})
	}

	if profile.Alarm != nil {
		alarmAt := wakeDt.Add(-profile.Alarm.Offset).Add(-3 * time.Minute)
		entries = append(entries, Entry{
			At:    alarmAt,
			Side:  side,
			Kind:  SetAlarm,
			Alarm: *profile.Alarm,
		})
	}

	return entries
}

// nextPrime returns the next occurrence of t from now, today if it
// hasn't passed yet, otherwise tomorrow.
func nextPrime(t config.ClockTime, now time.Time, loc *time.Location) time.Time {
	today := t.On(now, loc)
	if today.After(now) {
		return today
	}
	return today.AddDate(0, 0, 1)
}

// Build constructs the full, time-sorted schedule for the current
// configuration. In away mode it returns nil: the scheduler idles
// until the configuration changes again.
func Build(cfg *config.Config, now time.Time) []Entry {
	if cfg.AwayMode {
		return nil
	}
	loc := cfg.Location()

	// In Solo mode both sides share one profile, but each side still
	// gets its own entries: the transports address sides individually.
	var entries []Entry
	for _, side := range []config.Side{config.Left, config.Right} {
		entries = append(entries, buildSideSchedule(side, cfg.Profile.For(side), now, loc)...)
	}

	if cfg.PrimeTime != nil {
		entries = append(entries, Entry{At: nextPrime(*cfg.PrimeTime, now, loc), Kind: Prime})
	}

	sortEntries(entries)
	return entries
}

func sortEntries(e []Entry) {
	for i := 1; i < len(e); i++ {
		for j := i; j > 0 && e[j].At.Before(e[j-1].At); j-- {
			e[j], e[j-1] = e[j-1], e[j]
		}
	}
}
