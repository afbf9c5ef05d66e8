package aa

import (
	"io"
	"path/filepath"

	"github.com/grailbio/base/errorreporter"
	"v.io/x/lib/vlog"

	"github.com/HelixGrind/OldSpan/encoding/archive"
)

// Decompress inflates one compressed partition payload into dst and returns
// the number of bytes written. The producer compresses with FastLZ v1; any
// algorithmically compatible implementation is acceptable. A returned length
// of zero, like an error, is reported as a decompression failure.
type Decompress func(dst, src []byte) (int, error)

// ReadOpts configures an AA reader.
type ReadOpts struct {
	// Decompress is the external block decompressor. It is required before
	// the first partition is read.
	Decompress Decompress

	// LegacyMateOrientation reproduces the producer's original
	// mate-reverse-complement test, which never fires. The default decodes
	// bit 1 of the orientation byte as written.
	LegacyMateOrientation bool
}

// Reader reads one Aligned Read archive. It supports sequential iteration,
// a random-access Jump through the embedded index, and Rewind. A Reader is
// not thread-safe; all methods assume serial invocation.
type Reader struct {
	label string
	path  string
	opts  ReadOpts

	in *archive.Stream

	status      AlignmentStatus
	seqTech     SequencingTechnologies
	archiveDate uint64
	numReads    uint64
	numBases    uint64

	readsOffset        int64
	referenceGapOffset int64
	indexOffset        int64

	readGroups []ReadGroup
	refSeqs    []ReferenceSequence
	// refNames maps a reference's ordinal index to its name so per-alignment
	// decode can resolve names cheaply. Immutable after open.
	refNames []string

	currentRead      uint64
	partitionIndex   int64
	partitionMembers uint16
	partitionSize    uint16

	compressed archive.Buffer
	partition  archive.Buffer
	cur        archive.Cursor

	isOpen bool
	err    errorreporter.T
}

// CheckFile reports whether path is an aligned read archive of the version
// this reader understands. With strict set, a mismatch or I/O failure is
// also returned as an error.
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
	if string(sig[:signatureLength-1]) != signaturePrefix {
		if strict {
			return false, archive.Errorf(archive.KindInvalidSignature, path, "not an aligned read archive (signature %q)", sig[:signatureLength-1])
		}
		return false, nil
	}
	if sig[signatureLength-1] != Version {
		if strict {
			return false, archive.Errorf(archive.KindUnsupportedVersion, path, "archive version %d, reader expects %d", sig[signatureLength-1], Version)
		}
		return false, nil
	}
	return true, nil
}

// NewReader opens path and parses its preamble, read groups and reference
// sequences, leaving the reader positioned at the first read. Open failures
// are reported through Err and Close; LoadNextRead on a failed reader
// returns false.
func NewReader(path string, opts ReadOpts) *Reader {
	r := &Reader{label: filepath.Base(path), path: path, opts: opts}
	in, err := archive.Open(path)
	if err != nil {
		r.err.Set(err)
		return r
	}
	r.in = in
	if err := r.open(); err != nil {
		r.err.Set(err)
		return r
	}
	r.isOpen = true
	vlog.VI(1).Infof("%v: opened, %d reads, %d references, %d read groups",
		r.label, r.numReads, len(r.refSeqs), len(r.readGroups))
	return r
}

// Preamble layout:
//
//	SIGNATURE[6]           0 -  5
//	STATUS[1]              6 -  6
//	SEQUENCE_TECHNOLOGY[2] 7 -  8
//	ARCHIVE_DATE[8]        9 - 16
//	NUM_REFERENCE_SEQS[4] 17 - 20
//	NUM_READ_GROUPS[4]    21 - 24
//	NUM_READS[8]          25 - 32
//	NUM_BASES[8]          33 - 40
//	REFERENCES_OFFSET[8]  41 - 48
//	REFERENCE_GAP_OFFSET[8] 49 - 56
//	INDEX_OFFSET[8]       57 - 64
//	RESERVED              65 - 71
func (r *Reader) open() error {
	buf, err := r.partition.Resize(preambleBytes)
	if err != nil {
		return err
	}
	if err := r.in.ReadFull(buf); err != nil {
		return archive.Wrapf(err, archive.KindTruncated, r.path, "reading %d preamble bytes", preambleBytes)
	}
	if string(buf[:signatureLength-1]) != signaturePrefix {
		return archive.Errorf(archive.KindInvalidSignature, r.path, "not an aligned read archive (signature %q)", buf[:signatureLength-1])
	}
	if buf[signatureLength-1] != Version {
		return archive.Errorf(archive.KindUnsupportedVersion, r.path, "archive version %d, reader expects %d", buf[signatureLength-1], Version)
	}
	r.cur.Reset(buf[signatureLength:])
	r.status = AlignmentStatus(r.cur.Uint8())
	r.seqTech = SequencingTechnologies(r.cur.Uint16())
	r.archiveDate = r.cur.Uint64()
	numRefSeqs := r.cur.Uint32()
	numReadGroups := r.cur.Uint32()
	r.numReads = r.cur.Uint64()
	r.numBases = r.cur.Uint64()
	referencesOffset := int64(r.cur.Uint64())
	r.referenceGapOffset = int64(r.cur.Uint64())
	r.indexOffset = int64(r.cur.Uint64())
	if err := r.cur.Err(); err != nil {
		return err
	}

	if err := r.readReadGroups(numReadGroups); err != nil {
		return err
	}
	off, err := r.in.Tell()
	if err != nil {
		return err
	}
	r.readsOffset = off

	if err := r.readReferenceSequences(referencesOffset, numRefSeqs); err != nil {
		return err
	}
	return r.rewind()
}

// Per group: five single-byte string lengths, a two-byte description length,
// the technology and median fragment length, eight reserved bytes, then the
// string payloads. The payload order differs from the length order.
func (r *Reader) readReadGroups(n uint32) error {
	r.readGroups = make([]ReadGroup, 0, n)
	for i := uint32(0); i < n; i++ {
		fixed, err := r.partition.Resize(13)
		if err != nil {
			return err
		}
		if err := r.in.ReadFull(fixed); err != nil {
			return archive.Wrapf(err, archive.KindTruncated, r.path, "reading read group %d", i)
		}
		r.cur.Reset(fixed)
		centerNameLen := int(r.cur.Uint8())
		libraryNameLen := int(r.cur.Uint8())
		platformUnitLen := int(r.cur.Uint8())
		readGroupIDLen := int(r.cur.Uint8())
		sampleNameLen := int(r.cur.Uint8())
		descriptionLen := int(r.cur.Uint16())
		var rg ReadGroup
		rg.SequencingTechnology = SequencingTechnologies(r.cur.Uint16())
		rg.MedianFragmentLength = r.cur.Uint32()
		if err := r.in.SeekRel(8); err != nil {
			return err
		}
		payload := centerNameLen + descriptionLen + libraryNameLen + platformUnitLen + readGroupIDLen + sampleNameLen
		strs, err := r.partition.Resize(int64(payload))
		if err != nil {
			return err
		}
		if err := r.in.ReadFull(strs); err != nil {
			return archive.Wrapf(err, archive.KindTruncated, r.path, "reading read group %d strings", i)
		}
		r.cur.Reset(strs)
		rg.CenterName = r.cur.String(centerNameLen)
		rg.Description = r.cur.String(descriptionLen)
		rg.LibraryName = r.cur.String(libraryNameLen)
		rg.PlatformUnit = r.cur.String(platformUnitLen)
		rg.ReadGroupID = r.cur.String(readGroupIDLen)
		rg.SampleName = r.cur.String(sampleNameLen)
		if err := r.cur.Err(); err != nil {
			return err
		}
		r.readGroups = append(r.readGroups, rg)
	}
	return nil
}

// Per reference: four single-byte string lengths, the base count, the
// aligned-read count, the 32-character hex MD5, then name and the three
// optional strings.
func (r *Reader) readReferenceSequences(offset int64, n uint32) error {
	if err := r.in.Seek(offset); err != nil {
		return err
	}
	r.refSeqs = make([]ReferenceSequence, 0, n)
	r.refNames = make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		fixed, err := r.partition.Resize(48)
		if err != nil {
			return err
		}
		if err := r.in.ReadFull(fixed); err != nil {
			return archive.Wrapf(err, archive.KindTruncated, r.path, "reading reference sequence %d", i)
		}
		r.cur.Reset(fixed)
		nameLen := int(r.cur.Uint8())
		speciesLen := int(r.cur.Uint8())
		assemblyIDLen := int(r.cur.Uint8())
		uriLen := int(r.cur.Uint8())
		var rs ReferenceSequence
		rs.NumBases = r.cur.Uint32()
		rs.NumAligned = r.cur.Uint64()
		rs.MD5 = r.cur.String(32)
		strs, err := r.partition.Resize(int64(nameLen + speciesLen + assemblyIDLen + uriLen))
		if err != nil {
			return err
		}
		if err := r.in.ReadFull(strs); err != nil {
			return archive.Wrapf(err, archive.KindTruncated, r.path, "reading reference sequence %d strings", i)
		}
		r.cur.Reset(strs)
		rs.Name = r.cur.String(nameLen)
		rs.Species = r.cur.String(speciesLen)
		rs.GenomeAssemblyID = r.cur.String(assemblyIDLen)
		rs.URI = r.cur.String(uriLen)
		if err := r.cur.Err(); err != nil {
			return err
		}
		r.refSeqs = append(r.refSeqs, rs)
		r.refNames = append(r.refNames, rs.Name)
	}
	return nil
}

// NumReads returns the declared read count, or 0 before a successful open.
func (r *Reader) NumReads() uint64 {
	if !r.isOpen {
		return 0
	}
	return r.numReads
}

// NumBases returns the declared base count, or 0 before a successful open.
func (r *Reader) NumBases() uint64 {
	if !r.isOpen {
		return 0
	}
	return r.numBases
}

// SequencingTechnology returns the archive-wide technology flags.
func (r *Reader) SequencingTechnology() SequencingTechnologies {
	if !r.isOpen {
		return STUnknown
	}
	return r.seqTech
}

// Status returns the archive-wide status flags.
func (r *Reader) Status() AlignmentStatus {
	if !r.isOpen {
		return ASUnknown
	}
	return r.status
}

// ReadGroups returns a copy of the read groups.
func (r *Reader) ReadGroups() []ReadGroup {
	return append([]ReadGroup(nil), r.readGroups...)
}

// ReferenceSequences returns the reference sequences. The slice is owned by
// the reader and must not be modified.
func (r *Reader) ReferenceSequences() []ReferenceSequence {
	return r.refSeqs
}

// ReferenceName resolves a reference's ordinal index to its name.
func (r *Reader) ReferenceName(index uint32) (string, bool) {
	if int64(index) >= int64(len(r.refNames)) {
		return "", false
	}
	return r.refNames[index], true
}

// LoadNextRead advances one read, driving the partition pump as needed, and
// fills out. It returns false at end of archive or on error; distinguish
// via Err.
func (r *Reader) LoadNextRead(out *AlignedRead) bool {
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
	if r.partitionMembers == r.partitionSize {
		ok, err := r.readPartition()
		if err != nil {
			r.err.Set(err)
			return false
		}
		if !ok {
			return false
		}
	}
	if err := r.decodeRead(out); err != nil {
		r.err.Set(err)
		return false
	}
	r.currentRead++
	r.partitionMembers++
	return true
}

// readPartition reads and decompresses the next partition. It returns false
// with a nil error on a clean end of file.
func (r *Reader) readPartition() (bool, error) {
	uncompressedSize, err := r.in.Uint32()
	if err == io.EOF {
		return false, nil
	}
	if err != nil {
		return false, r.stamp(err)
	}
	r.partitionIndex++
	compressedSize, err := r.in.Uint32()
	if err != nil {
		return false, r.stamp(archive.Wrapf(err, archive.KindTruncated, r.path, "reading partition header"))
	}
	partitionSize, err := r.in.Uint16()
	if err != nil {
		return false, r.stamp(archive.Wrapf(err, archive.KindTruncated, r.path, "reading partition header"))
	}
	src, err := r.compressed.Resize(int64(compressedSize))
	if err != nil {
		return false, r.stamp(err)
	}
	if err := r.in.ReadFull(src); err != nil {
		return false, r.stamp(archive.Wrapf(err, archive.KindTruncated, r.path, "reading %d compressed partition bytes", compressedSize))
	}
	dst, err := r.partition.Resize(int64(uncompressedSize))
	if err != nil {
		return false, r.stamp(err)
	}
	if r.opts.Decompress == nil {
		return false, r.stamp(archive.Errorf(archive.KindInternalState, r.path, "no partition decompressor configured"))
	}
	n, err := r.opts.Decompress(dst, src)
	if err != nil {
		return false, r.stamp(archive.Wrapf(err, archive.KindDecompressionFailed, r.path, "inflating %d bytes to %d", compressedSize, uncompressedSize))
	}
	if n == 0 {
		return false, r.stamp(archive.Errorf(archive.KindDecompressionFailed, r.path, "partition did not inflate (%d compressed bytes)", compressedSize))
	}
	if n != len(dst) {
		return false, r.stamp(archive.Errorf(archive.KindDecompressionFailed, r.path, "partition inflated to %d bytes, declared %d", n, uncompressedSize))
	}
	r.cur.Reset(dst)
	r.partitionMembers = 0
	r.partitionSize = partitionSize
	vlog.VI(2).Infof("%v: partition %d, %d members, %d -> %d bytes",
		r.label, r.partitionIndex-1, partitionSize, compressedSize, uncompressedSize)
	return true, nil
}

// decodeRead decodes exactly one read from the partition buffer.
func (r *Reader) decodeRead(out *AlignedRead) error {
	cur := &r.cur
	nameLen := int(cur.Uint8())
	out.Name = cur.String(nameLen)
	out.ReadGroupCode = cur.Uint32()
	status := ReadStatus(cur.Uint8())
	out.IsLongRead = status.IsLongRead()
	numMate1 := cur.Uint32()
	var numMate2 uint32
	if status.IsPairedEnd() {
		numMate2 = cur.Uint32()
	}
	out.Mate1Alignments = out.Mate1Alignments[:0]
	out.Mate2Alignments = out.Mate2Alignments[:0]
	for i := uint32(0); i < numMate1 && cur.Err() == nil; i++ {
		var al Alignment
		if err := r.decodeAlignment(&al, status); err != nil {
			return r.stamp(err)
		}
		out.Mate1Alignments = append(out.Mate1Alignments, al)
	}
	for i := uint32(0); i < numMate2 && cur.Err() == nil; i++ {
		var al Alignment
		if err := r.decodeAlignment(&al, status); err != nil {
			return r.stamp(err)
		}
		out.Mate2Alignments = append(out.Mate2Alignments, al)
	}
	if err := cur.Err(); err != nil {
		return r.stamp(err)
	}
	return nil
}

func (r *Reader) decodeAlignment(al *Alignment, status ReadStatus) error {
	cur := &r.cur
	al.ReferenceBegin = cur.Uint32()
	al.ReferenceEnd = cur.Uint32()
	al.ReferenceIndex = cur.Uint32()
	if cur.Err() == nil {
		if int64(al.ReferenceIndex) >= int64(len(r.refNames)) {
			return archive.Errorf(archive.KindInvalidArchive, r.path,
				"reference index %d out of range (%d reference sequences)", al.ReferenceIndex, len(r.refNames))
		}
		al.ReferenceName = r.refNames[al.ReferenceIndex]
	}
	al.Quality = cur.Uint8()
	al.AlternateQuality = cur.Uint8()
	orientation := Orientation(cur.Uint8())
	al.IsReverseComplement = orientation.IsReverseComplement()
	if r.opts.LegacyMateOrientation {
		al.IsMateReverseComplement = orientation.LegacyIsMateReverseComplement()
	} else {
		al.IsMateReverseComplement = orientation.IsMateReverseComplement()
	}
	if status.HasMateInfo() {
		al.MateReferenceBegin = cur.Uint32()
		al.MateReferenceEnd = cur.Uint32()
		al.MateReferenceIndex = cur.Uint32()
	} else {
		al.MateReferenceIndex = NoMateInfo
	}
	var pairwiseLength int
	if status.IsLongRead() {
		pairwiseLength = int(cur.Uint16())
		al.QueryBegin = cur.Uint16()
		al.QueryEnd = cur.Uint16()
	} else {
		pairwiseLength = int(cur.Uint8())
		al.QueryBegin = uint16(cur.Uint8())
		al.QueryEnd = uint16(cur.Uint8())
	}
	al.Reference = cur.String(pairwiseLength)
	al.Query = cur.String(pairwiseLength)
	if cur.Err() != nil {
		return nil // surfaced by the caller
	}
	qualityLen := int(al.QueryEnd) - int(al.QueryBegin) + 1
	if qualityLen < 0 {
		return archive.Errorf(archive.KindInvalidArchive, r.path,
			"query end %d before query begin %d", al.QueryEnd, al.QueryBegin)
	}
	al.BaseQualities = make([]byte, qualityLen)
	copy(al.BaseQualities, cur.Bytes(qualityLen))
	return nil
}

// Jump repositions the read cursor at the first partition whose leading
// entry is at or past (referenceIndex, referencePosition) per the embedded
// index. The read counter resets and partition state is flushed; subsequent
// LoadNextRead calls yield reads from that partition on.
func (r *Reader) Jump(referenceIndex uint16, referencePosition uint32) error {
	if !r.isOpen {
		err := archive.Errorf(archive.KindInternalState, r.path, "Jump on a reader that is not open")
		r.err.Set(err)
		return err
	}
	if r.indexOffset == 0 {
		err := archive.Errorf(archive.KindIndexMissing, r.path, "archive has no jump index")
		r.err.Set(err)
		return err
	}
	if err := r.in.Seek(r.indexOffset); err != nil {
		r.err.Set(err)
		return err
	}
	numEntries, err := r.in.Uint32()
	if err != nil {
		err = archive.Wrapf(err, archive.KindTruncated, r.path, "reading index entry count")
		r.err.Set(err)
		return err
	}
	buf, err := r.partition.Resize(int64(numEntries) * indexEntryBytes)
	if err != nil {
		r.err.Set(err)
		return err
	}
	if err := r.in.ReadFull(buf); err != nil {
		err = archive.Wrapf(err, archive.KindTruncated, r.path, "reading %d index entries", numEntries)
		r.err.Set(err)
		return err
	}

	// Entries are monotonic by (reference index, reference position) in
	// file order; stop at the first one at or past the target.
	r.cur.Reset(buf)
	found := false
	var offset int64
	for i := uint32(0); i < numEntries; i++ {
		index := r.cur.Uint16()
		position := r.cur.Uint32()
		offset = int64(r.cur.Uint64())
		if index > referenceIndex || (index == referenceIndex && position >= referencePosition) {
			found = true
			break
		}
	}
	if err := r.cur.Err(); err != nil {
		r.err.Set(err)
		return err
	}
	if !found {
		err := archive.Errorf(archive.KindIndexMissing, r.path,
			"no index entry at or past reference %d position %d", referenceIndex, referencePosition)
		r.err.Set(err)
		return err
	}
	if err := r.in.Seek(offset); err != nil {
		r.err.Set(err)
		return err
	}
	r.currentRead = 0
	r.partitionMembers = 0
	r.partitionSize = 0
	vlog.VI(1).Infof("%v: jump to reference %d position %d, offset %d", r.label, referenceIndex, referencePosition, offset)
	return nil
}

// Rewind repositions the reader at the first read and flushes partition
// state.
func (r *Reader) Rewind() error {
	if !r.isOpen {
		err := archive.Errorf(archive.KindInternalState, r.path, "Rewind on a reader that is not open")
		r.err.Set(err)
		return err
	}
	if err := r.rewind(); err != nil {
		r.err.Set(err)
		return err
	}
	return nil
}

func (r *Reader) rewind() error {
	if err := r.in.Seek(r.readsOffset); err != nil {
		return err
	}
	r.currentRead = 0
	r.partitionMembers = 0
	r.partitionSize = 0
	return nil
}

// Err returns the first error encountered, if any. A clean end of archive
// is reported by LoadNextRead returning false with a nil Err.
func (r *Reader) Err() error { return r.err.Err() }

// Close releases the underlying stream and buffers. It is idempotent and
// returns the first error the reader encountered.
func (r *Reader) Close() error {
	if r.in != nil {
		in := r.in
		r.in = nil
		r.isOpen = false
		r.err.Set(in.Close())
		r.compressed = archive.Buffer{}
		r.partition = archive.Buffer{}
		r.cur.Reset(nil)
	}
	return r.err.Err()
}

// stamp adds the read and partition indices at failure to err.
func (r *Reader) stamp(err error) error {
	if e, ok := err.(*archive.Error); ok {
		e.Path = r.path
		e.Record = int64(r.currentRead)
		e.Partition = r.partitionIndex - 1
	}
	return err
}
