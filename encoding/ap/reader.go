package ap

import (
	"path/filepath"

	"github.com/grailbio/base/errorreporter"
	"v.io/x/lib/vlog"

	"github.com/HelixGrind/OldSpan/encoding/archive"
)

// ReadOpts configures an AP reader.
type ReadOpts struct {
	// AcceptAPSignature also accepts the "MSKAP\x00" spelling of the magic in
	// addition to the "MSKAR\x00" that shipped archives contain.
	AcceptAPSignature bool
}

// Reader reads one Aligned Positions archive sequentially. A Reader is not
// thread-safe; all methods assume serial invocation.
type Reader struct {
	label string
	path  string
	opts  ReadOpts

	in *archive.Stream

	anchorsOffset int64
	numAnchors    uint32
	numReads      uint64
	timestamp     uint64

	currentRead uint64
	buf         archive.Buffer
	cur         archive.Cursor

	isOpen bool
	err    errorreporter.T
}

// CheckFile reports whether path begins with the AP archive signature. With
// strict set, a mismatch or I/O failure is also returned as an error.
func CheckFile(path string, strict bool) (bool, error) {
	in, err := archive.Open(path)
	if err != nil {
		if strict {
			return false, err
		}
		return false, nil
	}
	defer in.Close() // nolint: errcheck
	var sig [signatureLength]byte
	if err := in.ReadFull(sig[:]); err != nil {
		if strict {
			return false, archive.Wrapf(err, archive.KindInvalidSignature, path, "reading archive signature")
		}
		return false, nil
	}
	if string(sig[:]) != Signature && string(sig[:]) != SignatureAP {
		if strict {
			return false, archive.Errorf(archive.KindInvalidSignature, path, "not an aligned positions archive (signature %q)", sig[:])
		}
		return false, nil
	}
	return true, nil
}

// NewReader opens path and parses its header. Open failures are reported
// through Err and Close; LoadNextRead on a failed reader returns false.
func NewReader(path string, opts ReadOpts) *Reader {
	r := &Reader{label: filepath.Base(path), path: path, opts: opts}
	in, err := archive.Open(path)
	if err != nil {
		r.err.Set(err)
		return r
	}
	r.in = in
	if err := r.parseHeader(); err != nil {
		r.err.Set(err)
		return r
	}
	r.isOpen = true
	vlog.VI(1).Infof("%v: opened, %d reads, %d anchors", r.label, r.numReads, r.numAnchors)
	return r
}

// Header layout:
//
//	SIGNATURE[6]       0 -  5
//	ANCHORS_OFFSET[8]  6 - 13
//	NUM_ANCHORS[4]    14 - 17
//	NUM_READS[8]      18 - 25
//	TIMESTAMP[8]      26 - 33
//
// A reserved read-names offset exists in some producers; it is never read.
func (r *Reader) parseHeader() error {
	buf, err := r.buf.Resize(headerBytes)
	if err != nil {
		return err
	}
	if err := r.in.ReadFull(buf); err != nil {
		return archive.Wrapf(err, archive.KindTruncated, r.path, "reading %d header bytes", headerBytes)
	}
	sig := string(buf[:signatureLength])
	if sig != Signature && !(r.opts.AcceptAPSignature && sig == SignatureAP) {
		return archive.Errorf(archive.KindInvalidSignature, r.path, "not an aligned positions archive (signature %q)", sig)
	}
	r.cur.Reset(buf[signatureLength:])
	r.anchorsOffset = int64(r.cur.Uint64())
	r.numAnchors = r.cur.Uint32()
	r.numReads = r.cur.Uint64()
	r.timestamp = r.cur.Uint64()
	return r.cur.Err()
}

// NumReads returns the declared read count.
func (r *Reader) NumReads() uint64 { return r.numReads }

// NumAnchors returns the declared anchor count.
func (r *Reader) NumAnchors() uint32 { return r.numAnchors }

// Timestamp returns the archive creation timestamp, as stored.
func (r *Reader) Timestamp() uint64 { return r.timestamp }

// LoadNextRead advances one read, filling out. It returns false once all
// declared reads have been returned, or on error; distinguish via Err.
func (r *Reader) LoadNextRead(out *Read) bool {
	if r.err.Err() != nil {
		return false
	}
	if !r.isOpen {
		r.err.Set(archive.Errorf(archive.KindInternalState, r.path, "LoadNextRead on a reader that is not open"))
		return false
	}
	if r.currentRead >= r.numReads {
		return false
	}

	// The 10-byte prefix: entry size, position count, read length.
	prefix, err := r.buf.Resize(readPrefixBytes)
	if err != nil {
		r.err.Set(r.readError(err))
		return false
	}
	if err := r.in.ReadFull(prefix); err != nil {
		r.err.Set(r.readError(archive.Wrapf(err, archive.KindTruncated, r.path, "reading read prefix")))
		return false
	}
	r.cur.Reset(prefix)
	entrySize := r.cur.Uint32()
	numPositions := r.cur.Uint32()
	out.Length = r.cur.Uint16()
	if entrySize < readPrefixBytes {
		r.err.Set(r.readError(archive.Errorf(archive.KindInvalidArchive, r.path, "entry size %d smaller than its prefix", entrySize)))
		return false
	}

	// The rest of the record is read as one block.
	body, err := r.buf.Resize(int64(entrySize) - readPrefixBytes)
	if err != nil {
		r.err.Set(r.readError(err))
		return false
	}
	if err := r.in.ReadFull(body); err != nil {
		r.err.Set(r.readError(archive.Wrapf(err, archive.KindTruncated, r.path, "reading %d record bytes", len(body))))
		return false
	}
	r.cur.Reset(body)

	nameLen := int(r.cur.Uint8())
	out.Name = r.cur.String(nameLen)
	out.Positions = out.Positions[:0]
	for i := uint32(0); i < numPositions && r.cur.Err() == nil; i++ {
		var p AlignedPosition
		p.AnchorBegin = r.cur.Uint32()
		p.AnchorEnd = r.cur.Uint32()
		p.QueryBegin = r.cur.Uint16()
		p.QueryEnd = r.cur.Uint16()
		p.IsReverseComplement = r.cur.Uint8() == 1
		p.NumSubstitutions = r.cur.Uint16()
		p.NumInsertions = r.cur.Uint16()
		p.NumDeletions = r.cur.Uint16()
		pairwiseLength := int(r.cur.Uint16())
		p.Anchor = r.cur.String(pairwiseLength)
		p.Query = r.cur.String(pairwiseLength)
		out.Positions = append(out.Positions, p)
	}
	if err := r.cur.Err(); err != nil {
		r.err.Set(r.readError(err))
		return false
	}
	r.currentRead++
	return true
}

// LoadAnchors seeks to the anchor table, fills out with all anchors, and
// restores the previous stream position on every path.
func (r *Reader) LoadAnchors(out *[]Anchor) error {
	if !r.isOpen {
		return archive.Errorf(archive.KindInternalState, r.path, "LoadAnchors on a reader that is not open")
	}
	previous, err := r.in.Tell()
	if err != nil {
		return err
	}
	defer func() {
		if err := r.in.Seek(previous); err != nil {
			r.err.Set(err)
		}
	}()
	if err := r.in.Seek(r.anchorsOffset); err != nil {
		return err
	}

	*out = (*out)[:0]
	for i := uint32(0); i < r.numAnchors; i++ {
		nameLen, err := r.in.Uint8()
		if err != nil {
			return archive.Wrapf(err, archive.KindTruncated, r.path, "reading anchor %d name length", i)
		}
		buf, err := r.buf.Resize(int64(anchorFixedBytes) - 1 + int64(nameLen))
		if err != nil {
			return err
		}
		if err := r.in.ReadFull(buf); err != nil {
			return archive.Wrapf(err, archive.KindTruncated, r.path, "reading anchor %d", i)
		}
		r.cur.Reset(buf)
		var a Anchor
		a.Name = r.cur.String(int(nameLen))
		a.Length = r.cur.Uint32()
		a.Begin = r.cur.Uint32()
		a.End = r.cur.Uint32()
		if err := r.cur.Err(); err != nil {
			return err
		}
		*out = append(*out, a)
	}
	return nil
}

// Err returns the first error encountered, if any. Err never returns a bare
// end of file; a clean end of archive is reported by LoadNextRead returning
// false with a nil Err.
func (r *Reader) Err() error { return r.err.Err() }

// Close releases the underlying stream. It is idempotent and returns the
// first error the reader encountered.
func (r *Reader) Close() error {
	if r.in != nil {
		in := r.in
		r.in = nil
		r.isOpen = false
		r.err.Set(in.Close())
	}
	return r.err.Err()
}

// readError stamps err with the index of the read being decoded.
func (r *Reader) readError(err error) error {
	if e, ok := err.(*archive.Error); ok {
		e.Path = r.path
		e.Record = int64(r.currentRead)
	}
	return err
}
