package pel

import (
	"encoding/binary"
	"fmt"
)

// Stream is an offset-tracked big-endian reader/writer over a byte buffer.
// Reads past the end of the buffer fail with ErrTruncated. Writes grow the
// backing buffer as needed. All multi-byte primitives are big-endian, per
// the wire-format contract in §6.
type Stream struct {
	buf []byte
	off int
}

// NewReader wraps an existing buffer for reading. The buffer is not copied;
// callers must not mutate it while the Stream is in use.
func NewReader(buf []byte) *Stream {
	return &Stream{buf: buf}
}

// NewWriter returns an empty Stream ready for writing.
func NewWriter() *Stream {
	return &Stream{buf: make([]byte, 0, 256)}
}

// Offset returns the current read/write cursor.
func (s *Stream) Offset() int { return s.off }

// Len returns the total size of the backing buffer.
func (s *Stream) Len() int { return len(s.buf) }

// Remaining returns the number of unread bytes.
func (s *Stream) Remaining() int { return len(s.buf) - s.off }

// Bytes returns the full backing buffer.
func (s *Stream) Bytes() []byte { return s.buf }

// Seek moves the cursor to an absolute offset. It does not validate bounds
// against the buffer length for writers (Grow-on-write semantics); readers
// will fail on the next out-of-bounds read.
func (s *Stream) Seek(off int) { s.off = off }

// SkipPad advances the cursor to the next multiple of n bytes relative to
// the start of the buffer, padding with zero bytes if writing.
func (s *Stream) SkipPad(n int) {
	pad := (n - (s.off % n)) % n
	if pad == 0 {
		return
	}
	if s.off < len(s.buf) {
		// Reader: just advance past existing padding bytes.
		s.off += pad
		return
	}
	s.buf = append(s.buf, make([]byte, pad)...)
	s.off += pad
}

func (s *Stream) ensure(n int) error {
	if s.off+n > len(s.buf) {
		return fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrTruncated, n, s.off, len(s.buf))
	}
	return nil
}

// ReadU8 reads a single byte.
func (s *Stream) ReadU8() (uint8, error) {
	if err := s.ensure(1); err != nil {
		return 0, err
	}
	v := s.buf[s.off]
	s.off++
	return v, nil
}

// ReadU16 reads a big-endian uint16.
func (s *Stream) ReadU16() (uint16, error) {
	if err := s.ensure(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(s.buf[s.off:])
	s.off += 2
	return v, nil
}

// ReadU32 reads a big-endian uint32.
func (s *Stream) ReadU32() (uint32, error) {
	if err := s.ensure(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(s.buf[s.off:])
	s.off += 4
	return v, nil
}

// ReadU64 reads a big-endian uint64.
func (s *Stream) ReadU64() (uint64, error) {
	if err := s.ensure(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(s.buf[s.off:])
	s.off += 8
	return v, nil
}

// ReadBytes reads n raw bytes verbatim.
func (s *Stream) ReadBytes(n int) ([]byte, error) {
	if err := s.ensure(n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, s.buf[s.off:s.off+n])
	s.off += n
	return out, nil
}

// PeekBytes reads n raw bytes without advancing the cursor.
func (s *Stream) PeekBytes(n int) ([]byte, error) {
	if err := s.ensure(n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, s.buf[s.off:s.off+n])
	return out, nil
}

// WriteU8 appends a single byte.
func (s *Stream) WriteU8(v uint8) {
	s.buf = append(s.buf, v)
	s.off = len(s.buf)
}

// WriteU16 appends a big-endian uint16.
func (s *Stream) WriteU16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	s.buf = append(s.buf, b[:]...)
	s.off = len(s.buf)
}

// WriteU32 appends a big-endian uint32.
func (s *Stream) WriteU32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	s.buf = append(s.buf, b[:]...)
	s.off = len(s.buf)
}

// WriteU64 appends a big-endian uint64.
func (s *Stream) WriteU64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	s.buf = append(s.buf, b[:]...)
	s.off = len(s.buf)
}

// WriteBytes appends raw bytes verbatim.
func (s *Stream) WriteBytes(b []byte) {
	s.buf = append(s.buf, b...)
	s.off = len(s.buf)
}

// PatchBytes overwrites len(b) bytes at absolute offset off without moving
// the cursor. Used by the repository's transmission-state setters to patch
// the two User Header state bytes in place.
func (s *Stream) PatchBytes(off int, b []byte) error {
	if off+len(b) > len(s.buf) {
		return fmt.Errorf("%w: patch at %d len %d exceeds buffer %d", ErrTruncated, off, len(b), len(s.buf))
	}
	copy(s.buf[off:], b)
	return nil
}
