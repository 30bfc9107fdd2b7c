// Package presence derives bed occupancy from the sensor subsystem's
// 6-channel capacitance stream, using a debounced threshold-over-
// baseline test, and runs the baseline calibration routine.
package presence

import (
	"fmt"
	"sync"
	"time"

	"github.com/stapelberg/opensleepd/internal/config"
)

const calibrationDuration = 10 * time.Second

const (
	defaultThreshold = 50
	defaultDebounce  = 5
)

// Sample is one capacitance reading across all six channels.
type Sample [6]uint16

// State is the derived occupancy state, safe for concurrent reads.
type State struct {
	LeftPresent  bool `json:"left_present"`
	RightPresent bool `json:"right_present"`
	InBed        bool `json:"in_bed"`
}

// Detector tracks debounce counters against a calibrated baseline and,
// on request, recalibrates the baseline from a fresh sample window.
type Detector struct {
	mu       sync.RWMutex
	cfg      config.PresenceConfig
	debounce [6]uint8
	state    State

	calibrating bool
	calSamples  []Sample
	calDeadline time.Time
	calDone     chan calibrationResult
}

type calibrationResult struct {
	cfg config.PresenceConfig
	err error
}

func New(cfg config.PresenceConfig) *Detector {
	return &Detector{cfg: cfg}
}

func (d *Detector) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// SetConfig replaces the detection model, e.g. after a
// set_presence_config action tuned the threshold or debounce count.
// Debounce counters restart from zero under the new model.
func (d *Detector) SetConfig(cfg config.PresenceConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
	d.debounce = [6]uint8{}
}

// Observe feeds one capacitance sample through the debounce state
// machine (or the active calibration window, if one is running) at
// instant now.
func (d *Detector) Observe(s Sample, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.calibrating {
		d.calSamples = append(d.calSamples, s)
		if !now.Before(d.calDeadline) {
			d.finishCalibration()
		}
		return
	}

	for c := 0; c < 6; c++ {
		if s[c] > d.cfg.Baselines[c]+d.cfg.Threshold {
			if d.debounce[c] < 255 {
				d.debounce[c]++
			}
		} else {
			d.debounce[c] = 0
		}
	}

	left := anyAtLeast(d.debounce[0:3], d.cfg.DebounceCount)
	right := anyAtLeast(d.debounce[3:6], d.cfg.DebounceCount)
	d.state = State{LeftPresent: left, RightPresent: right, InBed: left || right}
}

func anyAtLeast(counts []uint8, threshold uint8) bool {
	for _, c := range counts {
		if c >= threshold {
			return true
		}
	}
	return false
}

// finishCalibration must be called with d.mu held.
func (d *Detector) finishCalibration() {
	var sums [6]uint64
	for _, s := range d.calSamples {
		for c := 0; c < 6; c++ {
			sums[c] += uint64(s[c])
		}
	}
	n := len(d.calSamples)

	var result calibrationResult
	if n == 0 {
		result.err = fmt.Errorf("presence: no samples collected during calibration")
	} else {
		var baselines [6]uint16
		for c := 0; c < 6; c++ {
			baselines[c] = uint16(sums[c] / uint64(n))
		}
		d.cfg = config.PresenceConfig{
			Baselines:     baselines,
			Threshold:     defaultThreshold,
			DebounceCount: defaultDebounce,
		}
		result.cfg = d.cfg
	}

	d.calibrating = false
	d.calSamples = nil
	if d.calDone != nil {
		d.calDone <- result
		d.calDone = nil
	}
}

// Calibrate starts a fixed-duration sample collection window fed by
// an already-running Observe loop, and blocks until it completes. It
// returns an error if no samples were collected in the window.
func (d *Detector) Calibrate(now time.Time) (config.PresenceConfig, error) {
	d.mu.Lock()
	d.calibrating = true
	d.calSamples = nil
	d.calDeadline = now.Add(calibrationDuration)
	done := make(chan calibrationResult, 1)
	d.calDone = done
	d.mu.Unlock()

	select {
	case r := <-done:
		return r.cfg, r.err
	case <-time.After(calibrationDuration + time.Second):
		// The sample stream stalled before the window's deadline was
		// observed; settle with whatever was collected so the detector
		// does not stay stuck in calibration mode.
		d.mu.Lock()
		if d.calibrating {
			d.finishCalibration()
		}
		d.mu.Unlock()
		r := <-done
		return r.cfg, r.err
	}
}
