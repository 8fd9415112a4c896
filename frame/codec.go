package frame

import (
	"encoding/binary"
	"hash/crc32"
	"sync"

	lz4 "github.com/pierrec/lz4/v3"

	"github.com/aogaki/delila2/cmn/atomic"
	"github.com/aogaki/delila2/cmn/debug"
)

// DecodedBatch is the tagged variant returned by Decode, distinguishing the
// two on-wire record shapes without a class hierarchy (see SPEC_FULL.md
// Design Notes: "Record polymorphism without inheritance").
type DecodedBatch struct {
	Sequence uint64
	Version  FormatVersion
	Full     []EventRecord        // populated iff Version == FormatFull
	Minimal  []MinimalEventRecord // populated iff Version == FormatMinimal
	EOS      bool
}

// Options controls one Encode call's compression/checksum policy.
type Options struct {
	Compress bool
	Checksum bool
}

// BufferPool is a sync.Pool-backed reuse pool for the codec's internal
// scratch buffers — the serialize destination buffer and the LZ4 compress
// destination buffer, both of which are copied into the frame's final
// output and discarded, never handed to the caller. Grounded on the
// teacher's memsys.MMSA slab-reuse idiom
// (_examples/rockstar-0000-aistore/memsys/*.go), sized down to a plain
// byte-slice pool since the codec's scratch allocations are flat buffers,
// not SGL chunks.
type BufferPool struct {
	pool sync.Pool
}

// NewBufferPool returns a BufferPool whose Get() starts new buffers at a
// typical single-batch size.
func NewBufferPool() *BufferPool {
	return &BufferPool{pool: sync.Pool{New: func() any { return make([]byte, 0, 4096) }}}
}

func (p *BufferPool) Get() []byte  { return p.pool.Get().([]byte)[:0] }
func (p *BufferPool) Put(b []byte) { p.pool.Put(b) } //nolint:staticcheck // pool accepts any capacity

// Codec encodes/decodes event batches to/from framed byte buffers. The
// auto-sequence counter is per-instance — SPEC_FULL.md notes two independent
// producers in one process must not share it.
type Codec struct {
	seq  atomic.Uint64
	pool *BufferPool // scratch reuse across repeated Encode calls on this Codec
}

func NewCodec() *Codec {
	return &Codec{pool: NewBufferPool()}
}

func (c *Codec) getBuf() []byte  { return c.pool.Get() }
func (c *Codec) putBuf(b []byte) { c.pool.Put(b) }

// ResetSequence restarts the auto-sequence counter at 0.
func (c *Codec) ResetSequence() { c.seq.Store(0) }

// GetCurrentSequence returns the value the next EncodeAuto call will stamp;
// it does not advance the counter.
func (c *Codec) GetCurrentSequence() uint64 { return c.seq.Load() }

// GetNextSequence atomically post-increments and returns the previous value,
// i.e. the sequence the next EncodeAuto call would have stamped; that value
// is consumed and no EncodeAuto call will use it.
func (c *Codec) GetNextSequence() uint64 { return c.seq.Inc() - 1 }

// EncodeFullAuto encodes full records, stamping the next auto-sequence value.
func (c *Codec) EncodeFullAuto(records []EventRecord, opt Options) []byte {
	return c.encode(FormatFull, records, nil, c.seq.Inc()-1, opt)
}

// EncodeFull encodes full records with a caller-supplied sequence number.
func (c *Codec) EncodeFull(records []EventRecord, sequence uint64, opt Options) []byte {
	return c.encode(FormatFull, records, nil, sequence, opt)
}

// EncodeMinimalAuto encodes minimal records, stamping the next auto-sequence value.
func (c *Codec) EncodeMinimalAuto(records []MinimalEventRecord, opt Options) []byte {
	return c.encode(FormatMinimal, nil, records, c.seq.Inc()-1, opt)
}

// EncodeMinimal encodes minimal records with a caller-supplied sequence number.
func (c *Codec) EncodeMinimal(records []MinimalEventRecord, sequence uint64, opt Options) []byte {
	return c.encode(FormatMinimal, nil, records, sequence, opt)
}

// EncodeEOS produces the well-known end-of-stream sentinel frame: zero
// records, reserved[0] set. It is never auto-sequenced — sequence continuity
// is not required across runs (spec.md §4.5).
func (c *Codec) EncodeEOS(version FormatVersion) []byte {
	h := header{
		Magic:         Magic,
		FormatVersion: uint32(version),
		HeaderSize:    HeaderSize,
	}
	h.markEOS()
	return h.encode()
}

func (c *Codec) encode(version FormatVersion, full []EventRecord, minimal []MinimalEventRecord, sequence uint64, opt Options) []byte {
	payload := c.getBuf()
	switch version {
	case FormatFull:
		payload = appendFull(payload, full)
	case FormatMinimal:
		payload = appendMinimal(payload, minimal)
	default:
		c.putBuf(payload)
		return nil
	}

	h := header{
		Magic:            Magic,
		SequenceNumber:   sequence,
		FormatVersion:    uint32(version),
		HeaderSize:       HeaderSize,
		EventCount:       uint32(lenOf(full, minimal)),
		UncompressedSize: uint32(len(payload)),
	}

	wire := payload
	h.CompressionType = CompressionNone
	var compressScratch []byte
	if opt.Compress && len(payload) > 0 {
		compressed, scratch, ok := c.compress(payload)
		compressScratch = scratch
		if ok && len(compressed) < len(payload) {
			wire = compressed
			h.CompressionType = CompressionLZ4
		}
	}
	h.CompressedSize = uint32(len(wire))
	debug.Assert(h.CompressedSize <= h.UncompressedSize || h.CompressionType == CompressionNone)

	if opt.Checksum {
		h.ChecksumType = ChecksumCRC32
		h.Checksum = crc32.ChecksumIEEE(wire)
	}

	out := make([]byte, 0, HeaderSize+len(wire))
	out = append(out, h.encode()...)
	out = append(out, wire...)

	c.putBuf(payload)
	if compressScratch != nil {
		c.putBuf(compressScratch)
	}
	return out
}

func lenOf(full []EventRecord, minimal []MinimalEventRecord) int {
	if full != nil {
		return len(full)
	}
	return len(minimal)
}

// compress LZ4-compresses src into a pool-sourced scratch buffer. It always
// returns that scratch buffer as the second value so the caller can return
// it to the pool once it has copied whichever of (compressed, raw) it kept
// into the frame's final output.
func (c *Codec) compress(src []byte) (compressed, scratch []byte, ok bool) {
	bound := lz4.CompressBlockBound(len(src))
	dst := c.getBuf()
	if cap(dst) < bound {
		dst = make([]byte, bound)
	} else {
		dst = dst[:bound]
	}
	var ht [1 << 16]int
	n, err := lz4.CompressBlock(src, dst, ht[:])
	if err != nil || n == 0 {
		return nil, dst, false
	}
	return dst[:n], dst, true
}

// Decode validates the header and payload and returns the decoded batch.
// Any validation failure is reported via err; it never panics.
func Decode(buf []byte) (*DecodedBatch, error) {
	h, ok := decodeHeader(buf)
	if !ok {
		return nil, errShortBuffer
	}
	if h.Magic != Magic {
		return nil, errBadMagic
	}
	if h.HeaderSize != HeaderSize {
		return nil, errBadHeaderSize
	}
	version := FormatVersion(h.FormatVersion)
	if version != FormatFull && version != FormatMinimal {
		return nil, errBadVersion
	}

	wire := buf[HeaderSize:]
	if uint32(len(wire)) != h.CompressedSize {
		return nil, errSizeMismatch
	}

	if h.ChecksumType == ChecksumCRC32 {
		if crc32.ChecksumIEEE(wire) != h.Checksum {
			return nil, errChecksumMismatch
		}
	}

	payload := wire
	if h.CompressionType == CompressionLZ4 {
		dst := make([]byte, h.UncompressedSize)
		n, err := lz4.UncompressBlock(wire, dst)
		if err != nil || uint32(n) != h.UncompressedSize {
			return nil, errDecompressMismatch
		}
		payload = dst
	} else if uint32(len(payload)) != h.UncompressedSize {
		return nil, errSizeMismatch
	}

	out := &DecodedBatch{Sequence: h.SequenceNumber, Version: version, EOS: h.isEOS()}
	if out.EOS {
		return out, nil
	}

	switch version {
	case FormatFull:
		recs, err := deserializeFull(payload, h.EventCount)
		if err != nil {
			return nil, err
		}
		out.Full = recs
	case FormatMinimal:
		recs, err := deserializeMinimal(payload, h.EventCount)
		if err != nil {
			return nil, err
		}
		out.Minimal = recs
	}
	return out, nil
}

// SerializeFullRecords renders records in the same scalar+length-prefixed-
// array layout Encode uses for the payload, with no frame header — the
// shape persist.FilePersister appends to a run file (spec.md §6: "raw
// concatenation of decoded records ... no Frame headers").
func SerializeFullRecords(records []EventRecord) []byte { return serializeFull(records) }

// SerializeMinimalRecords renders records as a raw concatenation of
// 22-byte packed records, with no frame header.
func SerializeMinimalRecords(records []MinimalEventRecord) []byte { return serializeMinimal(records) }

// --- full-record serialization ---

func serializeFull(records []EventRecord) []byte {
	return appendFull(make([]byte, 0, len(records)*64), records)
}

// appendFull serializes records onto buf (which may be a reused scratch
// buffer from a BufferPool) and returns the extended slice.
func appendFull(buf []byte, records []EventRecord) []byte {
	for i := range records {
		r := &records[i]
		var scratch [8]byte

		binary.LittleEndian.PutUint64(scratch[:8], floatBits(r.TimeStampNs))
		buf = append(buf, scratch[:8]...)

		binary.LittleEndian.PutUint32(scratch[:4], r.WaveformSize)
		buf = append(buf, scratch[:4]...)

		binary.LittleEndian.PutUint16(scratch[:2], r.Energy)
		buf = append(buf, scratch[:2]...)
		binary.LittleEndian.PutUint16(scratch[:2], r.EnergyShort)
		buf = append(buf, scratch[:2]...)

		buf = append(buf, r.Module, r.Channel)
		buf = append(buf, r.TimeResolution, r.AnalogProbe1Type, r.AnalogProbe2Type,
			r.DigitalProbe1Type, r.DigitalProbe2Type, r.DigitalProbe3Type, r.DigitalProbe4Type,
			r.DownSampleFactor)

		binary.LittleEndian.PutUint64(scratch[:8], r.Flags)
		buf = append(buf, scratch[:8]...)
		binary.LittleEndian.PutUint64(scratch[:8], r.AMax)
		buf = append(buf, scratch[:8]...)

		buf = appendInt32Array(buf, r.AnalogProbe1)
		buf = appendInt32Array(buf, r.AnalogProbe2)
		buf = appendByteArray(buf, r.DigitalProbe1)
		buf = appendByteArray(buf, r.DigitalProbe2)
		buf = appendByteArray(buf, r.DigitalProbe3)
		buf = appendByteArray(buf, r.DigitalProbe4)
	}
	return buf
}

func appendInt32Array(buf []byte, a []int32) []byte {
	var scratch [4]byte
	binary.LittleEndian.PutUint32(scratch[:], uint32(len(a)))
	buf = append(buf, scratch[:]...)
	for _, v := range a {
		binary.LittleEndian.PutUint32(scratch[:], uint32(v))
		buf = append(buf, scratch[:]...)
	}
	return buf
}

func appendByteArray(buf []byte, a []uint8) []byte {
	var scratch [4]byte
	binary.LittleEndian.PutUint32(scratch[:], uint32(len(a)))
	buf = append(buf, scratch[:]...)
	buf = append(buf, a...)
	return buf
}

func deserializeFull(payload []byte, count uint32) ([]EventRecord, error) {
	out := make([]EventRecord, 0, count)
	off := 0
	need := func(n int) bool { return off+n <= len(payload) }
	for i := uint32(0); i < count; i++ {
		if !need(8 + 4 + 2 + 2 + 2 + 8 + 8 + 8) {
			return nil, errTruncatedRecord
		}
		var r EventRecord
		r.TimeStampNs = bitsFloat(binary.LittleEndian.Uint64(payload[off : off+8]))
		off += 8
		r.WaveformSize = binary.LittleEndian.Uint32(payload[off : off+4])
		off += 4
		r.Energy = binary.LittleEndian.Uint16(payload[off : off+2])
		off += 2
		r.EnergyShort = binary.LittleEndian.Uint16(payload[off : off+2])
		off += 2
		r.Module, r.Channel = payload[off], payload[off+1]
		off += 2
		r.TimeResolution = payload[off]
		r.AnalogProbe1Type = payload[off+1]
		r.AnalogProbe2Type = payload[off+2]
		r.DigitalProbe1Type = payload[off+3]
		r.DigitalProbe2Type = payload[off+4]
		r.DigitalProbe3Type = payload[off+5]
		r.DigitalProbe4Type = payload[off+6]
		r.DownSampleFactor = payload[off+7]
		off += 8
		r.Flags = binary.LittleEndian.Uint64(payload[off : off+8])
		off += 8
		r.AMax = binary.LittleEndian.Uint64(payload[off : off+8])
		off += 8

		var err error
		r.AnalogProbe1, off, err = readInt32Array(payload, off)
		if err != nil {
			return nil, err
		}
		r.AnalogProbe2, off, err = readInt32Array(payload, off)
		if err != nil {
			return nil, err
		}
		r.DigitalProbe1, off, err = readByteArray(payload, off)
		if err != nil {
			return nil, err
		}
		r.DigitalProbe2, off, err = readByteArray(payload, off)
		if err != nil {
			return nil, err
		}
		r.DigitalProbe3, off, err = readByteArray(payload, off)
		if err != nil {
			return nil, err
		}
		r.DigitalProbe4, off, err = readByteArray(payload, off)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func readInt32Array(payload []byte, off int) ([]int32, int, error) {
	if off+4 > len(payload) {
		return nil, off, errTruncatedRecord
	}
	n := int(binary.LittleEndian.Uint32(payload[off : off+4]))
	off += 4
	if n < 0 || off+n*4 > len(payload) {
		return nil, off, errTruncatedRecord
	}
	a := make([]int32, n)
	for i := 0; i < n; i++ {
		a[i] = int32(binary.LittleEndian.Uint32(payload[off : off+4]))
		off += 4
	}
	return a, off, nil
}

func readByteArray(payload []byte, off int) ([]uint8, int, error) {
	if off+4 > len(payload) {
		return nil, off, errTruncatedRecord
	}
	n := int(binary.LittleEndian.Uint32(payload[off : off+4]))
	off += 4
	if n < 0 || off+n > len(payload) {
		return nil, off, errTruncatedRecord
	}
	a := make([]uint8, n)
	copy(a, payload[off:off+n])
	off += n
	return a, off, nil
}

// --- minimal-record serialization ---

func serializeMinimal(records []MinimalEventRecord) []byte {
	return appendMinimal(make([]byte, 0, len(records)*SizeofMinimalEventRecord), records)
}

// appendMinimal serializes records onto buf (which may be a reused scratch
// buffer from a BufferPool) and returns the extended slice.
func appendMinimal(buf []byte, records []MinimalEventRecord) []byte {
	var scratch [SizeofMinimalEventRecord]byte
	for i := range records {
		r := &records[i]
		scratch[0] = r.Module
		scratch[1] = r.Channel
		binary.LittleEndian.PutUint16(scratch[2:4], r.Energy)
		binary.LittleEndian.PutUint16(scratch[4:6], r.EnergyShort)
		binary.LittleEndian.PutUint64(scratch[6:14], floatBits(r.TimeStampNs))
		binary.LittleEndian.PutUint64(scratch[14:22], r.Flags)
		buf = append(buf, scratch[:]...)
	}
	return buf
}

func deserializeMinimal(payload []byte, count uint32) ([]MinimalEventRecord, error) {
	if len(payload) != int(count)*SizeofMinimalEventRecord {
		return nil, errPayloadSizeMismatch
	}
	out := make([]MinimalEventRecord, count)
	for i := range out {
		off := i * SizeofMinimalEventRecord
		out[i] = MinimalEventRecord{
			Module:      payload[off],
			Channel:     payload[off+1],
			Energy:      binary.LittleEndian.Uint16(payload[off+2 : off+4]),
			EnergyShort: binary.LittleEndian.Uint16(payload[off+4 : off+6]),
			TimeStampNs: bitsFloat(binary.LittleEndian.Uint64(payload[off+6 : off+14])),
			Flags:       binary.LittleEndian.Uint64(payload[off+14 : off+22]),
		}
	}
	return out, nil
}
