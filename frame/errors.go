package frame

import (
	"math"

	"github.com/pkg/errors"
)

var (
	errShortBuffer         = errors.New("frame: buffer shorter than header")
	errBadMagic            = errors.New("frame: invalid magic")
	errBadHeaderSize       = errors.New("frame: invalid header_size")
	errBadVersion          = errors.New("frame: unsupported format_version")
	errSizeMismatch        = errors.New("frame: on-wire size does not match header")
	errChecksumMismatch    = errors.New("frame: checksum mismatch")
	errDecompressMismatch  = errors.New("frame: decompressed size mismatch")
	errTruncatedRecord     = errors.New("frame: truncated full record")
	errPayloadSizeMismatch = errors.New("frame: minimal payload is not N*22 bytes")
)

func floatBits(f float64) uint64 { return math.Float64bits(f) }
func bitsFloat(b uint64) float64 { return math.Float64frombits(b) }
