package frame

import "encoding/binary"

// Magic identifies a delila2 frame on the wire: ASCII "DELILA2\0" packed
// big-endian into a u64, exactly as the original C++ BINARY_DATA_MAGIC_NUMBER.
const Magic uint64 = 0x44454C494C413200

const HeaderSize = 64

type CompressionType uint8

const (
	CompressionNone CompressionType = 0
	CompressionLZ4  CompressionType = 1
)

type ChecksumType uint8

const (
	ChecksumNone  ChecksumType = 0
	ChecksumCRC32 ChecksumType = 1
)

type FormatVersion uint32

const (
	FormatFull    FormatVersion = 1
	FormatMinimal FormatVersion = 2
)

// header is the 64-byte fixed frame header, laid out exactly per spec §3.
type header struct {
	Magic            uint64
	SequenceNumber   uint64
	FormatVersion    uint32
	HeaderSize       uint32
	EventCount       uint32
	UncompressedSize uint32
	CompressedSize   uint32
	Checksum         uint32
	TimestampNs      uint64
	CompressionType  CompressionType
	ChecksumType     ChecksumType
	// reserved[0] == 1 marks an End-Of-Stream sentinel frame (EventCount == 0
	// in that case too); see isEOS.
	Reserved [14]byte
}

func (h *header) encode() []byte {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint64(b[0:8], h.Magic)
	binary.LittleEndian.PutUint64(b[8:16], h.SequenceNumber)
	binary.LittleEndian.PutUint32(b[16:20], h.FormatVersion)
	binary.LittleEndian.PutUint32(b[20:24], h.HeaderSize)
	binary.LittleEndian.PutUint32(b[24:28], h.EventCount)
	binary.LittleEndian.PutUint32(b[28:32], h.UncompressedSize)
	binary.LittleEndian.PutUint32(b[32:36], h.CompressedSize)
	binary.LittleEndian.PutUint32(b[36:40], h.Checksum)
	binary.LittleEndian.PutUint64(b[40:48], h.TimestampNs)
	b[48] = byte(h.CompressionType)
	b[49] = byte(h.ChecksumType)
	copy(b[50:64], h.Reserved[:])
	return b
}

func decodeHeader(b []byte) (h header, ok bool) {
	if len(b) < HeaderSize {
		return header{}, false
	}
	h.Magic = binary.LittleEndian.Uint64(b[0:8])
	h.SequenceNumber = binary.LittleEndian.Uint64(b[8:16])
	h.FormatVersion = binary.LittleEndian.Uint32(b[16:20])
	h.HeaderSize = binary.LittleEndian.Uint32(b[20:24])
	h.EventCount = binary.LittleEndian.Uint32(b[24:28])
	h.UncompressedSize = binary.LittleEndian.Uint32(b[28:32])
	h.CompressedSize = binary.LittleEndian.Uint32(b[32:36])
	h.Checksum = binary.LittleEndian.Uint32(b[36:40])
	h.TimestampNs = binary.LittleEndian.Uint64(b[40:48])
	h.CompressionType = CompressionType(b[48])
	h.ChecksumType = ChecksumType(b[49])
	copy(h.Reserved[:], b[50:64])
	return h, true
}

// eosReservedBit marks reserved[0] on an EOS sentinel frame (open question #2
// in SPEC_FULL.md): event_count==0 alone is ambiguous with an empty data
// batch, so EOS also sets this bit.
const eosReservedBit = 1

func (h *header) markEOS()    { h.Reserved[0] = eosReservedBit }
func (h *header) isEOS() bool { return h.EventCount == 0 && h.Reserved[0] == eosReservedBit }
