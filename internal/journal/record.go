package journal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	stderrors "errors"
	"hash/crc32"
	"io"

	"oms/internal/ledger"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
)

// Record layout, little endian:
//
//	magic[4] version u16 headerSize u16 payloadLen u32 reserved u32 seq u64 ts i64
//	payload (JSON ledger.Fill)
//	crc32c(header ++ payload) u32
const (
	recordVersion      uint16 = 1
	recordHeaderSize          = 32
	recordChecksumSize        = 4
	maxPayloadLen             = 1 << 20
)

var (
	recordMagic = [4]byte{'F', 'I', 'L', '1'}
	crcTable    = crc32.MakeTable(crc32.Castagnoli)
)

var (
	ErrInvalidMagic       = stderrors.New("journal invalid magic")
	ErrUnsupportedVersion = stderrors.New("journal unsupported record version")
	ErrChecksumMismatch   = stderrors.New("journal checksum mismatch")
	ErrPayloadTooLarge    = stderrors.New("journal payload too large")
)

// Entry is one journaled fill.
type Entry struct {
	Seq  uint64
	At   int64
	Fill ledger.Fill
}

func encodeHeader(dst []byte, seq uint64, ts int64, payloadLen int) {
	_ = dst[recordHeaderSize-1]
	copy(dst[0:4], recordMagic[:])
	binary.LittleEndian.PutUint16(dst[4:6], recordVersion)
	binary.LittleEndian.PutUint16(dst[6:8], recordHeaderSize)
	binary.LittleEndian.PutUint32(dst[8:12], uint32(payloadLen))
	binary.LittleEndian.PutUint32(dst[12:16], 0)
	binary.LittleEndian.PutUint64(dst[16:24], seq)
	binary.LittleEndian.PutUint64(dst[24:32], uint64(ts))
}

func decodeHeader(src []byte) (seq uint64, ts int64, payloadLen uint32, err error) {
	if !bytes.Equal(src[0:4], recordMagic[:]) {
		return 0, 0, 0, ErrInvalidMagic
	}
	if v := binary.LittleEndian.Uint16(src[4:6]); v != recordVersion {
		return 0, 0, 0, errors.Wrapf(ErrUnsupportedVersion, "version %d", v)
	}
	if size := binary.LittleEndian.Uint16(src[6:8]); size != recordHeaderSize {
		return 0, 0, 0, errors.Errorf("journal header size %d", size)
	}
	payloadLen = binary.LittleEndian.Uint32(src[8:12])
	seq = binary.LittleEndian.Uint64(src[16:24])
	ts = int64(binary.LittleEndian.Uint64(src[24:32]))
	return seq, ts, payloadLen, nil
}

func checksum(header, payload []byte) uint32 {
	crc := crc32.Update(0, crcTable, header)
	return crc32.Update(crc, crcTable, payload)
}

// Reader decodes journal records sequentially.
type Reader struct {
	r       *bufio.Reader
	header  []byte
	payload []byte
}

// NewReader wraps r with record decoding.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r), header: make([]byte, recordHeaderSize)}
}

// Next returns the next entry. It returns io.EOF at a clean end and
// io.ErrUnexpectedEOF for a record cut short by a crash.
func (r *Reader) Next() (Entry, error) {
	if _, err := io.ReadFull(r.r, r.header); err != nil {
		return Entry{}, err
	}
	seq, ts, n, err := decodeHeader(r.header)
	if err != nil {
		return Entry{}, err
	}
	if n > maxPayloadLen {
		return Entry{}, errors.Wrapf(ErrPayloadTooLarge, "seq %d: %d bytes", seq, n)
	}
	if cap(r.payload) < int(n) {
		r.payload = make([]byte, n)
	}
	r.payload = r.payload[:n]
	if _, err := io.ReadFull(r.r, r.payload); err != nil {
		return Entry{}, unexpected(err)
	}
	var sum [recordChecksumSize]byte
	if _, err := io.ReadFull(r.r, sum[:]); err != nil {
		return Entry{}, unexpected(err)
	}
	if checksum(r.header, r.payload) != binary.LittleEndian.Uint32(sum[:]) {
		return Entry{}, errors.Wrapf(ErrChecksumMismatch, "seq %d", seq)
	}

	e := Entry{Seq: seq, At: ts}
	if err := sonic.ConfigStd.Unmarshal(r.payload, &e.Fill); err != nil {
		return Entry{}, errors.Wrapf(err, "decode fill, seq %d", seq)
	}
	return e, nil
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
