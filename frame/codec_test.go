package frame

import (
	"testing"
)

func makeMinimal(n int) []MinimalEventRecord {
	out := make([]MinimalEventRecord, n)
	for i := 0; i < n; i++ {
		out[i] = MinimalEventRecord{
			Module:      uint8(i % 4),
			Channel:     uint8(i % 16),
			Energy:      uint16(1000 + i),
			EnergyShort: uint16(500 + i),
			TimeStampNs: float64(i) * 1000.0,
			Flags:       uint64(i % 4),
		}
	}
	return out
}

func TestRoundTripMinimalNoCompressionNoChecksum(t *testing.T) {
	c := NewCodec()
	recs := makeMinimal(5)
	buf := c.EncodeMinimal(recs, 42, Options{})
	if len(buf) != HeaderSize+5*SizeofMinimalEventRecord {
		t.Fatalf("encoded size = %d, want %d", len(buf), HeaderSize+5*22)
	}
	out, err := Decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Sequence != 42 {
		t.Fatalf("sequence = %d, want 42", out.Sequence)
	}
	if len(out.Minimal) != 5 {
		t.Fatalf("got %d records, want 5", len(out.Minimal))
	}
	for i := range recs {
		if out.Minimal[i] != recs[i] {
			t.Fatalf("record %d mismatch: got %+v want %+v", i, out.Minimal[i], recs[i])
		}
	}
}

func makeFull(n int) []EventRecord {
	out := make([]EventRecord, n)
	for i := 0; i < n; i++ {
		a1 := make([]int32, 100)
		a2 := make([]int32, 100)
		d1 := make([]uint8, 100)
		d2 := make([]uint8, 100)
		for j := 0; j < 100; j++ {
			a1[j] = int32(j)
			a2[j] = int32(j) * 2
			if j%2 == 0 {
				d1[j] = 0
				d2[j] = 1
			} else {
				d1[j] = 1
				d2[j] = 0
			}
		}
		out[i] = EventRecord{
			TimeStampNs:  float64(i) * 100,
			WaveformSize: 100,
			Energy:       uint16(i),
			EnergyShort:  uint16(i / 2),
			Module:       uint8(i % 8),
			Channel:      uint8(i % 16),
			Flags:        uint64(i),
			AMax:         uint64(i * 10),
			AnalogProbe1: a1,
			AnalogProbe2: a2,
			DigitalProbe1: d1,
			DigitalProbe2: d2,
		}
	}
	return out
}

func TestRoundTripFullCompressedChecksummed(t *testing.T) {
	c := NewCodec()
	recs := makeFull(100)
	buf := c.EncodeFull(recs, 7, Options{Compress: true, Checksum: true})
	h, ok := decodeHeader(buf)
	if !ok {
		t.Fatal("short header")
	}
	if h.CompressionType != CompressionLZ4 {
		t.Fatalf("expected LZ4 compression, got %d", h.CompressionType)
	}
	out, err := Decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Full) != 100 {
		t.Fatalf("got %d records, want 100", len(out.Full))
	}
	for i := range recs {
		got, want := out.Full[i], recs[i]
		if got.TimeStampNs != want.TimeStampNs || got.Energy != want.Energy ||
			got.Module != want.Module || got.Channel != want.Channel {
			t.Fatalf("record %d scalar mismatch: got %+v want %+v", i, got, want)
		}
		for j := range want.AnalogProbe1 {
			if got.AnalogProbe1[j] != want.AnalogProbe1[j] {
				t.Fatalf("record %d analogProbe1[%d] mismatch", i, j)
			}
		}
	}
}

func TestCompressionFallbackWhenNotSmaller(t *testing.T) {
	c := NewCodec()
	// A single tiny record compresses to something no smaller than raw;
	// the codec must fall back to storing raw bytes and mark type=none.
	recs := makeMinimal(1)
	buf := c.EncodeMinimal(recs, 0, Options{Compress: true})
	h, _ := decodeHeader(buf)
	if h.CompressionType != CompressionNone {
		t.Fatalf("expected fallback to CompressionNone, got %d", h.CompressionType)
	}
	if h.CompressedSize != h.UncompressedSize {
		t.Fatalf("compressed_size %d != uncompressed_size %d on fallback", h.CompressedSize, h.UncompressedSize)
	}
	out, err := Decode(buf)
	if err != nil || len(out.Minimal) != 1 {
		t.Fatalf("decode after fallback failed: %v", err)
	}
}

func TestHeaderInvariants(t *testing.T) {
	c := NewCodec()
	buf := c.EncodeMinimal(makeMinimal(3), 0, Options{Compress: true, Checksum: true})
	h, ok := decodeHeader(buf)
	if !ok {
		t.Fatal("short header")
	}
	if h.Magic != Magic {
		t.Fatalf("magic = %x, want %x", h.Magic, Magic)
	}
	if h.HeaderSize != HeaderSize {
		t.Fatalf("header_size = %d, want %d", h.HeaderSize, HeaderSize)
	}
	if h.CompressedSize > h.UncompressedSize {
		t.Fatalf("compressed_size %d > uncompressed_size %d", h.CompressedSize, h.UncompressedSize)
	}
	if h.CompressionType == CompressionNone && h.CompressedSize != h.UncompressedSize {
		t.Fatal("compression_type=0 but sizes differ")
	}
}

func TestEmptyBatchIsHeaderOnly(t *testing.T) {
	c := NewCodec()
	buf := c.EncodeMinimal(nil, 0, Options{})
	if len(buf) != HeaderSize {
		t.Fatalf("empty batch encoded to %d bytes, want %d", len(buf), HeaderSize)
	}
	out, err := Decode(buf)
	if err != nil {
		t.Fatalf("decode empty batch: %v", err)
	}
	if out.EOS {
		t.Fatal("empty data batch must not be mistaken for EOS")
	}
	if len(out.Minimal) != 0 {
		t.Fatalf("want 0 records, got %d", len(out.Minimal))
	}
}

func TestEOSFrame(t *testing.T) {
	c := NewCodec()
	buf := c.EncodeEOS(FormatMinimal)
	out, err := Decode(buf)
	if err != nil {
		t.Fatalf("decode EOS: %v", err)
	}
	if !out.EOS {
		t.Fatal("expected EOS frame")
	}
}

func TestVersionReject(t *testing.T) {
	c := NewCodec()
	buf := c.EncodeMinimal(makeMinimal(1), 0, Options{})
	// corrupt format_version field (bytes 16..20)
	buf[16] = 99
	_, err := Decode(buf)
	if err == nil {
		t.Fatal("expected decode to reject unknown format_version")
	}
}

func TestChecksumMismatchRejectsFrame(t *testing.T) {
	c := NewCodec()
	buf := c.EncodeMinimal(makeMinimal(2), 0, Options{Checksum: true})
	// flip a bit in the on-wire payload (after the 64-byte header)
	buf[HeaderSize] ^= 0xFF
	_, err := Decode(buf)
	if err == nil {
		t.Fatal("expected checksum mismatch to reject the frame")
	}

	// a subsequent valid frame still decodes fine
	buf2 := c.EncodeMinimal(makeMinimal(2), 1, Options{Checksum: true})
	out, err := Decode(buf2)
	if err != nil || len(out.Minimal) != 2 {
		t.Fatalf("valid frame after corrupt one failed to decode: %v", err)
	}
}

func TestMinimalRecordWireSize(t *testing.T) {
	if SizeofMinimalEventRecord != 22 {
		t.Fatalf("SizeofMinimalEventRecord = %d, want 22", SizeofMinimalEventRecord)
	}
	buf := serializeMinimal(makeMinimal(4))
	if len(buf) != 4*22 {
		t.Fatalf("serialized size = %d, want %d", len(buf), 4*22)
	}
}

func TestSequenceAutoAdvance(t *testing.T) {
	c := NewCodec()
	for i := uint64(0); i < 3; i++ {
		buf := c.EncodeMinimalAuto(makeMinimal(1), Options{})
		h, _ := decodeHeader(buf)
		if h.SequenceNumber != i {
			t.Fatalf("sequence %d: got %d, want %d", i, h.SequenceNumber, i)
		}
	}
	c.ResetSequence()
	buf := c.EncodeMinimalAuto(makeMinimal(1), Options{})
	h, _ := decodeHeader(buf)
	if h.SequenceNumber != 0 {
		t.Fatalf("after reset, sequence = %d, want 0", h.SequenceNumber)
	}
}

// TestBufferPoolReused confirms that after an Encode call the codec's
// BufferPool hands out a scratch buffer with nonzero capacity.
func TestBufferPoolReused(t *testing.T) {
	c := NewCodec()
	_ = c.EncodeMinimalAuto(makeMinimal(8), Options{Compress: true})

	scratch := c.getBuf()
	if cap(scratch) == 0 {
		t.Fatal("expected a pooled scratch buffer with nonzero capacity after a prior Encode")
	}
	c.putBuf(scratch)
}

func TestMinimalRecordInitCheckSizeDoesNotPanic(t *testing.T) {
	InitCheckSize()
}
