// Package mockhw is the named external collaborator HardwareSource: a mock
// digitizer event generator used in place of real hardware acquisition, at
// a configurable rate.
/*
 * Copyright (c) 2024, DELILA2 Project.
 */
package mockhw

import (
	"math/rand"
	"time"

	"github.com/aogaki/delila2/frame"
)

// Options configures the mock generator.
type Options struct {
	Modules       uint8         // number of distinct module ids to emit, >= 1
	Channels      uint8         // number of distinct channel ids per module, >= 1
	EventsPerTick int           // events produced on each Tick
	TickInterval  time.Duration // wall-clock spacing between ticks
}

// Source yields batches of minimal event records at Options.EventsPerTick
// per Options.TickInterval, standing in for ArmAcquisition/
// SwStartAcquisition hardware calls the real digitizer driver would make.
type Source struct {
	opt   Options
	rng   *rand.Rand
	tsNs  float64
	armed bool
}

func NewSource(opt Options) *Source {
	if opt.Modules == 0 {
		opt.Modules = 1
	}
	if opt.Channels == 0 {
		opt.Channels = 1
	}
	if opt.EventsPerTick == 0 {
		opt.EventsPerTick = 1
	}
	if opt.TickInterval == 0 {
		opt.TickInterval = 10 * time.Millisecond
	}
	return &Source{opt: opt, rng: rand.New(rand.NewSource(1))}
}

// ArmAcquisition is the mock's stand-in for the hardware call the Lifecycle
// Core's Arm() transition issues on a real Source.
func (s *Source) ArmAcquisition() error {
	s.armed = true
	return nil
}

// SwStartAcquisition is the mock's stand-in for the hardware trigger the
// Lifecycle Core's Start() transition issues.
func (s *Source) SwStartAcquisition() error {
	return nil
}

// Tick produces one batch of events, advancing the internal nanosecond
// clock by 1000 ns for each generated event.
func (s *Source) Tick() []frame.MinimalEventRecord {
	out := make([]frame.MinimalEventRecord, s.opt.EventsPerTick)
	for i := range out {
		out[i] = frame.MinimalEventRecord{
			Module:      uint8(s.rng.Intn(int(s.opt.Modules))),
			Channel:     uint8(s.rng.Intn(int(s.opt.Channels))),
			Energy:      uint16(500 + s.rng.Intn(3500)),
			EnergyShort: uint16(200 + s.rng.Intn(1500)),
			TimeStampNs: s.tsNs,
			Flags:       0,
		}
		s.tsNs += 1000 // 1us between synthetic events
	}
	return out
}

func (s *Source) TickInterval() time.Duration { return s.opt.TickInterval }
