package archive

import (
	"context"
	"encoding/binary"
	"io"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/vcontext"
)

// Stream is a byte-oriented random-access reader over one archive file. All
// positioning is 64-bit. A Stream is exclusively owned by one reader and is
// not thread-safe.
type Stream struct {
	path    string
	ctx     context.Context
	f       file.File
	r       io.ReadSeeker
	scratch [8]byte
}

// Open opens path for reading. Any file implementation registered with
// grailbio/base/file is honored; local paths work by default.
func Open(path string) (*Stream, error) {
	ctx := vcontext.Background()
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, Wrapf(err, KindOther, path, "open archive")
	}
	return &Stream{path: path, ctx: ctx, f: f, r: f.Reader(ctx)}, nil
}

// Path returns the path the stream was opened with.
func (s *Stream) Path() string { return s.path }

// ReadFull fills p or fails. io.EOF is returned unchanged when no bytes were
// available, so callers can observe a clean end of file; a partial read is a
// Truncated error.
func (s *Stream) ReadFull(p []byte) error {
	n, err := io.ReadFull(s.r, p)
	if err == nil {
		return nil
	}
	if err == io.EOF && n == 0 {
		return io.EOF
	}
	return Wrapf(err, KindTruncated, s.path, "wanted %d bytes, got %d", len(p), n)
}

// Uint8 reads one byte.
func (s *Stream) Uint8() (uint8, error) {
	if err := s.ReadFull(s.scratch[:1]); err != nil {
		return 0, err
	}
	return s.scratch[0], nil
}

// Uint16 reads a little-endian fixed16.
func (s *Stream) Uint16() (uint16, error) {
	if err := s.ReadFull(s.scratch[:2]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(s.scratch[:2]), nil
}

// Uint32 reads a little-endian fixed32.
func (s *Stream) Uint32() (uint32, error) {
	if err := s.ReadFull(s.scratch[:4]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(s.scratch[:4]), nil
}

// Uint64 reads a little-endian fixed64.
func (s *Stream) Uint64() (uint64, error) {
	if err := s.ReadFull(s.scratch[:8]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(s.scratch[:8]), nil
}

// Seek positions the stream at an absolute byte offset.
func (s *Stream) Seek(off int64) error {
	if _, err := s.r.Seek(off, io.SeekStart); err != nil {
		return Wrapf(err, KindOther, s.path, "seek to %d", off)
	}
	return nil
}

// SeekRel moves the stream by a signed delta from the current position.
func (s *Stream) SeekRel(delta int64) error {
	if _, err := s.r.Seek(delta, io.SeekCurrent); err != nil {
		return Wrapf(err, KindOther, s.path, "seek by %d", delta)
	}
	return nil
}

// Tell returns the current byte offset.
func (s *Stream) Tell() (int64, error) {
	off, err := s.r.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, Wrapf(err, KindOther, s.path, "tell")
	}
	return off, nil
}

// Close releases the underlying file. It is idempotent.
func (s *Stream) Close() error {
	if s.f == nil {
		return nil
	}
	f := s.f
	s.f = nil
	s.r = nil
	if err := f.Close(s.ctx); err != nil {
		return Wrapf(err, KindOther, s.path, "close archive")
	}
	return nil
}
