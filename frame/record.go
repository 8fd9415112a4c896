// Package frame implements the wire framing and codec for digitizer event
// batches: a versioned 64-byte header, optional LZ4 compression, optional
// CRC32 integrity check, and the two on-wire record shapes (full and
// minimal).
/*
 * Copyright (c) 2024, DELILA2 Project.
 */
package frame

import "fmt"

// Flag bits carried in EventRecord.Flags / MinimalEventRecord.Flags.
// Grounded on DELILA's original EventData.hpp FLAG_* constants.
const (
	FlagPileup        uint64 = 0x01
	FlagTriggerLost   uint64 = 0x02
	FlagOverRange     uint64 = 0x04
	Flag1024Trigger   uint64 = 0x08
	FlagNLostTrigger  uint64 = 0x10
)

// EventRecord is the full digitizer event record (format_version 1).
type EventRecord struct {
	TimeStampNs  float64
	WaveformSize uint32 // authoritative sample count; array lengths are load-bearing on decode
	Energy       uint16
	EnergyShort  uint16
	Module       uint8
	Channel      uint8

	TimeResolution    uint8
	AnalogProbe1Type  uint8
	AnalogProbe2Type  uint8
	DigitalProbe1Type uint8
	DigitalProbe2Type uint8
	DigitalProbe3Type uint8
	DigitalProbe4Type uint8
	DownSampleFactor  uint8

	Flags uint64
	AMax  uint64

	AnalogProbe1  []int32
	AnalogProbe2  []int32
	DigitalProbe1 []uint8
	DigitalProbe2 []uint8
	DigitalProbe3 []uint8
	DigitalProbe4 []uint8
}

func (r *EventRecord) HasPileup() bool      { return r.Flags&FlagPileup != 0 }
func (r *EventRecord) HasTriggerLost() bool { return r.Flags&FlagTriggerLost != 0 }
func (r *EventRecord) HasOverRange() bool   { return r.Flags&FlagOverRange != 0 }

// MinimalEventRecord is the packed 22-byte hot-path record (format_version 2).
// Layout is bit-exact and order-sensitive: module, channel, energy,
// energyShort, timeStampNs, flags. SizeofMinimalEventRecord is checked at
// startup by InitCheckSize (called from this package's init()).
type MinimalEventRecord struct {
	Module      uint8
	Channel     uint8
	Energy      uint16
	EnergyShort uint16
	TimeStampNs float64
	Flags       uint64
}

func (r *MinimalEventRecord) HasPileup() bool      { return r.Flags&FlagPileup != 0 }
func (r *MinimalEventRecord) HasTriggerLost() bool { return r.Flags&FlagTriggerLost != 0 }
func (r *MinimalEventRecord) HasOverRange() bool   { return r.Flags&FlagOverRange != 0 }

// SizeofMinimalEventRecord is the fixed on-wire size of one MinimalEventRecord.
const SizeofMinimalEventRecord = 22

// On-wire field widths for MinimalEventRecord, in the order they are
// serialized. These are not reflect/unsafe.Sizeof of the Go struct, which
// would include native struct padding (the float64 field forces 8-byte
// alignment, inflating the in-memory size to 24) — the wire layout has no
// padding.
const (
	sizeofMinimalModule      = 1
	sizeofMinimalChannel     = 1
	sizeofMinimalEnergy      = 2
	sizeofMinimalEnergyShort = 2
	sizeofMinimalTimeStampNs = 8
	sizeofMinimalFlags       = 8
)

// InitCheckSize enforces the spec.md §3 invariant that MinimalEventRecord's
// on-wire size is exactly 22 bytes. It panics on mismatch so a layout
// regression is caught at process startup rather than silently corrupting
// every frame on the wire.
func InitCheckSize() {
	const wireSize = sizeofMinimalModule + sizeofMinimalChannel + sizeofMinimalEnergy +
		sizeofMinimalEnergyShort + sizeofMinimalTimeStampNs + sizeofMinimalFlags
	if wireSize != SizeofMinimalEventRecord {
		panic(fmt.Sprintf("frame: MinimalEventRecord wire size invariant violated: got %d, want %d", wireSize, SizeofMinimalEventRecord))
	}
}

func init() { InitCheckSize() }
