package aa

import (
	"bytes"
	"encoding/binary"
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HelixGrind/OldSpan/encoding/archive"
)

func putU8(b *bytes.Buffer, v uint8)   { b.WriteByte(v) }
func putU16(b *bytes.Buffer, v uint16) { _ = binary.Write(b, binary.LittleEndian, v) }
func putU32(b *bytes.Buffer, v uint32) { _ = binary.Write(b, binary.LittleEndian, v) }
func putU64(b *bytes.Buffer, v uint64) { _ = binary.Write(b, binary.LittleEndian, v) }

// storedDecompress is the test stand-in for FastLZ: partitions are stored
// uncompressed and inflate by copying.
func storedDecompress(dst, src []byte) (int, error) {
	return copy(dst, src), nil
}

type testAlignment struct {
	refBegin, refEnd uint32
	refIndex         uint32
	quality, altQual uint8
	orientation      uint8
	mateBegin        uint32
	mateEnd          uint32
	mateIndex        uint32
	queryBegin       uint16
	queryEnd         uint16
	reference, query string
}

type testRead struct {
	name      string
	groupCode uint32
	status    uint8
	mate1     []testAlignment
	mate2     []testAlignment
}

type testIndexEntry struct {
	refIndex  uint16
	position  uint32
	partition int
}

type testArchive struct {
	status     uint8
	seqTech    uint16
	refs       []ReferenceSequence
	groups     []ReadGroup
	partitions [][]testRead
	index      []testIndexEntry
}

func encodeAlignment(b *bytes.Buffer, al testAlignment, status ReadStatus) {
	putU32(b, al.refBegin)
	putU32(b, al.refEnd)
	putU32(b, al.refIndex)
	putU8(b, al.quality)
	putU8(b, al.altQual)
	putU8(b, al.orientation)
	if status.HasMateInfo() {
		putU32(b, al.mateBegin)
		putU32(b, al.mateEnd)
		putU32(b, al.mateIndex)
	}
	if status.IsLongRead() {
		putU16(b, uint16(len(al.reference)))
		putU16(b, al.queryBegin)
		putU16(b, al.queryEnd)
	} else {
		putU8(b, uint8(len(al.reference)))
		putU8(b, uint8(al.queryBegin))
		putU8(b, uint8(al.queryEnd))
	}
	b.WriteString(al.reference)
	b.WriteString(al.query)
	for i := 0; i <= int(al.queryEnd)-int(al.queryBegin); i++ {
		b.WriteByte(byte(30 + i%10))
	}
}

func encodeReadRecord(b *bytes.Buffer, rd testRead) {
	status := ReadStatus(rd.status)
	putU8(b, uint8(len(rd.name)))
	b.WriteString(rd.name)
	putU32(b, rd.groupCode)
	putU8(b, rd.status)
	putU32(b, uint32(len(rd.mate1)))
	if status.IsPairedEnd() {
		putU32(b, uint32(len(rd.mate2)))
	}
	for _, al := range rd.mate1 {
		encodeAlignment(b, al, status)
	}
	for _, al := range rd.mate2 {
		encodeAlignment(b, al, status)
	}
}

func encodeReadGroup(b *bytes.Buffer, rg ReadGroup) {
	putU8(b, uint8(len(rg.CenterName)))
	putU8(b, uint8(len(rg.LibraryName)))
	putU8(b, uint8(len(rg.PlatformUnit)))
	putU8(b, uint8(len(rg.ReadGroupID)))
	putU8(b, uint8(len(rg.SampleName)))
	putU16(b, uint16(len(rg.Description)))
	putU16(b, uint16(rg.SequencingTechnology))
	putU32(b, rg.MedianFragmentLength)
	b.Write(make([]byte, 8))
	b.WriteString(rg.CenterName)
	b.WriteString(rg.Description)
	b.WriteString(rg.LibraryName)
	b.WriteString(rg.PlatformUnit)
	b.WriteString(rg.ReadGroupID)
	b.WriteString(rg.SampleName)
}

func encodeReference(b *bytes.Buffer, rs ReferenceSequence) {
	putU8(b, uint8(len(rs.Name)))
	putU8(b, uint8(len(rs.Species)))
	putU8(b, uint8(len(rs.GenomeAssemblyID)))
	putU8(b, uint8(len(rs.URI)))
	putU32(b, rs.NumBases)
	putU64(b, rs.NumAligned)
	b.WriteString(rs.MD5)
	b.WriteString(rs.Name)
	b.WriteString(rs.Species)
	b.WriteString(rs.GenomeAssemblyID)
	b.WriteString(rs.URI)
}

// build assembles the archive image: preamble, read groups, partitions,
// references, then the index. It returns the image and the absolute start
// offset of each partition.
func (a *testArchive) build(t *testing.T) ([]byte, []int64) {
	var groups bytes.Buffer
	for _, rg := range a.groups {
		encodeReadGroup(&groups, rg)
	}
	readsOffset := int64(preambleBytes + groups.Len())

	var body bytes.Buffer
	numReads := uint64(0)
	numBases := uint64(0)
	partitionOffsets := make([]int64, 0, len(a.partitions))
	for _, reads := range a.partitions {
		partitionOffsets = append(partitionOffsets, readsOffset+int64(body.Len()))
		var records bytes.Buffer
		for _, rd := range reads {
			encodeReadRecord(&records, rd)
			numReads++
			for _, al := range append(append([]testAlignment(nil), rd.mate1...), rd.mate2...) {
				numBases += uint64(int(al.queryEnd) - int(al.queryBegin) + 1)
			}
		}
		putU32(&body, uint32(records.Len()))
		putU32(&body, uint32(records.Len())) // stored: compressed == uncompressed
		putU16(&body, uint16(len(reads)))
		body.Write(records.Bytes())
	}

	referencesOffset := readsOffset + int64(body.Len())
	var refs bytes.Buffer
	for _, rs := range a.refs {
		require.Len(t, rs.MD5, 32)
		encodeReference(&refs, rs)
	}

	indexOffset := int64(0)
	var index bytes.Buffer
	if len(a.index) > 0 {
		indexOffset = referencesOffset + int64(refs.Len())
		putU32(&index, uint32(len(a.index)))
		for _, e := range a.index {
			putU16(&index, e.refIndex)
			putU32(&index, e.position)
			putU64(&index, uint64(partitionOffsets[e.partition]))
		}
	}

	var image bytes.Buffer
	image.WriteString(signaturePrefix)
	image.WriteByte(Version)
	putU8(&image, a.status)
	putU16(&image, a.seqTech)
	putU64(&image, 20090501) // archive date
	putU32(&image, uint32(len(a.refs)))
	putU32(&image, uint32(len(a.groups)))
	putU64(&image, numReads)
	putU64(&image, numBases)
	putU64(&image, uint64(referencesOffset))
	putU64(&image, 0) // reference gap offset
	putU64(&image, uint64(indexOffset))
	image.Write(make([]byte, 7)) // reserved; preamble ends at 72
	require.Equal(t, preambleBytes, image.Len())
	image.Write(groups.Bytes())
	image.Write(body.Bytes())
	image.Write(refs.Bytes())
	image.Write(index.Bytes())
	return image.Bytes(), partitionOffsets
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	path := filepath.Join(dir, name)
	require.NoError(t, ioutil.WriteFile(path, data, 0600))
	return path
}

var testMD5 = strings.Repeat("0123456789abcdef", 2)

func singleRef() []ReferenceSequence {
	return []ReferenceSequence{{
		Name:     "chr1",
		NumBases: 249250621,
		MD5:      testMD5,
	}}
}

func shortAlignment() testAlignment {
	return testAlignment{
		refBegin:  100,
		refEnd:    149,
		quality:   60,
		altQual:   55,
		queryEnd:  49,
		reference: strings.Repeat("A", 50),
		query:     strings.Repeat("A", 50),
	}
}

func defaultOpts() ReadOpts {
	return ReadOpts{Decompress: storedDecompress}
}

func TestCheckFile(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ar := &testArchive{refs: singleRef()}
	image, _ := ar.build(t)
	good := writeFile(t, tempDir, "good.aa", image)

	wrongVersion := append([]byte(nil), image...)
	wrongVersion[5] = 0x01
	stale := writeFile(t, tempDir, "stale.aa", wrongVersion)

	junk := writeFile(t, tempDir, "junk.aa", []byte("GIF89a not a read archive"))

	ok, err := CheckFile(good, false)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = CheckFile(stale, false)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = CheckFile(stale, true)
	require.Error(t, err)
	assert.Equal(t, archive.KindUnsupportedVersion, archive.KindOf(err))

	_, err = CheckFile(junk, true)
	require.Error(t, err)
	assert.Equal(t, archive.KindInvalidSignature, archive.KindOf(err))
}

func TestOpenMetadata(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ar := &testArchive{
		status:  uint8(ASPairedEnd | ASSorted),
		seqTech: uint16(STIllumina),
		refs: []ReferenceSequence{
			{Name: "chr1", Species: "H. sapiens", GenomeAssemblyID: "GRCh37", URI: "file:///ref/chr1.fa", NumBases: 1000, NumAligned: 42, MD5: testMD5},
			{Name: "chr2", NumBases: 2000, MD5: testMD5},
		},
		groups: []ReadGroup{{
			MedianFragmentLength: 300,
			SequencingTechnology: STIllumina,
			CenterName:           "WUGSC",
			Description:          "whole genome",
			LibraryName:          "lib-1",
			PlatformUnit:         "flowcell.1",
			ReadGroupID:          "rg1",
			SampleName:           "NA12878",
		}},
	}
	image, _ := ar.build(t)
	path := writeFile(t, tempDir, "meta.aa", image)

	r := NewReader(path, defaultOpts())
	require.NoError(t, r.Err())
	assert.Equal(t, uint64(0), r.NumReads())
	assert.True(t, r.Status().IsPairedEnd())
	assert.True(t, r.Status().IsSorted())
	assert.Equal(t, STIllumina, r.SequencingTechnology())

	refs := r.ReferenceSequences()
	require.Len(t, refs, 2)
	assert.Equal(t, "chr1", refs[0].Name)
	assert.Equal(t, "H. sapiens", refs[0].Species)
	assert.Equal(t, "GRCh37", refs[0].GenomeAssemblyID)
	assert.Equal(t, "file:///ref/chr1.fa", refs[0].URI)
	assert.Equal(t, uint32(1000), refs[0].NumBases)
	assert.Equal(t, uint64(42), refs[0].NumAligned)
	assert.Equal(t, testMD5, refs[0].MD5)
	assert.Equal(t, "chr2", refs[1].Name)

	name, ok := r.ReferenceName(1)
	assert.True(t, ok)
	assert.Equal(t, "chr2", name)
	_, ok = r.ReferenceName(2)
	assert.False(t, ok)

	groups := r.ReadGroups()
	require.Len(t, groups, 1)
	assert.Equal(t, "rg1", groups[0].ReadGroupID)
	assert.Equal(t, "WUGSC", groups[0].CenterName)
	assert.Equal(t, "whole genome", groups[0].Description)
	assert.Equal(t, "lib-1", groups[0].LibraryName)
	assert.Equal(t, "flowcell.1", groups[0].PlatformUnit)
	assert.Equal(t, "NA12878", groups[0].SampleName)
	assert.Equal(t, uint32(300), groups[0].MedianFragmentLength)
	assert.Equal(t, STIllumina, groups[0].SequencingTechnology)
	require.NoError(t, r.Close())
}

// Single-end short-read mode: query bounds are one byte on disk and the
// base-quality length follows the query bounds.
func TestSingleEndShortRead(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ar := &testArchive{
		refs: singleRef(),
		partitions: [][]testRead{{
			{name: "read-1", groupCode: 7, status: 0, mate1: []testAlignment{shortAlignment()}},
		}},
	}
	image, _ := ar.build(t)
	path := writeFile(t, tempDir, "single.aa", image)

	r := NewReader(path, defaultOpts())
	var rec AlignedRead
	require.True(t, r.LoadNextRead(&rec))
	assert.Equal(t, "read-1", rec.Name)
	assert.Equal(t, uint32(7), rec.ReadGroupCode)
	assert.False(t, rec.IsLongRead)
	require.Len(t, rec.Mate1Alignments, 1)
	assert.Empty(t, rec.Mate2Alignments)

	al := rec.Mate1Alignments[0]
	assert.Equal(t, uint32(100), al.ReferenceBegin)
	assert.Equal(t, uint32(149), al.ReferenceEnd)
	assert.Equal(t, "chr1", al.ReferenceName)
	assert.Equal(t, uint8(60), al.Quality)
	assert.Equal(t, uint8(55), al.AlternateQuality)
	assert.Equal(t, uint32(NoMateInfo), al.MateReferenceIndex)
	assert.Len(t, al.BaseQualities, int(al.QueryEnd)-int(al.QueryBegin)+1)
	assert.Equal(t, len(al.Reference), len(al.Query))

	assert.False(t, r.LoadNextRead(&rec))
	require.NoError(t, r.Err())
	require.NoError(t, r.Close())
}

// Paired-end with mate info: one mate-1 and two mate-2 alignments, all with
// mate reference fields populated.
func TestPairedEndWithMateInfo(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	mate := shortAlignment()
	mate.mateBegin = 500
	mate.mateEnd = 549
	mate.mateIndex = 0
	ar := &testArchive{
		status: uint8(ASPairedEnd),
		refs:   singleRef(),
		partitions: [][]testRead{{
			{name: "pair-1", status: 2 | 4, mate1: []testAlignment{mate}, mate2: []testAlignment{mate, mate}},
		}},
	}
	image, _ := ar.build(t)
	path := writeFile(t, tempDir, "paired.aa", image)

	r := NewReader(path, defaultOpts())
	var rec AlignedRead
	require.True(t, r.LoadNextRead(&rec))
	require.Len(t, rec.Mate1Alignments, 1)
	require.Len(t, rec.Mate2Alignments, 2)
	for _, al := range append(append([]Alignment(nil), rec.Mate1Alignments...), rec.Mate2Alignments...) {
		assert.Equal(t, uint32(500), al.MateReferenceBegin)
		assert.Equal(t, uint32(549), al.MateReferenceEnd)
		assert.Equal(t, uint32(0), al.MateReferenceIndex)
	}
	assert.False(t, r.LoadNextRead(&rec))
	require.NoError(t, r.Err())
	require.NoError(t, r.Close())
}

// Long-read mode stores pairwise length and query bounds as two bytes.
func TestLongRead(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	al := testAlignment{
		refBegin:  0,
		refEnd:    999,
		queryEnd:  999,
		reference: strings.Repeat("C", 1000),
		query:     strings.Repeat("C", 1000),
	}
	ar := &testArchive{
		refs: singleRef(),
		partitions: [][]testRead{{
			{name: "long-1", status: 1, mate1: []testAlignment{al}},
		}},
	}
	image, _ := ar.build(t)
	path := writeFile(t, tempDir, "long.aa", image)

	r := NewReader(path, defaultOpts())
	var rec AlignedRead
	require.True(t, r.LoadNextRead(&rec))
	assert.True(t, rec.IsLongRead)
	require.Len(t, rec.Mate1Alignments, 1)
	got := rec.Mate1Alignments[0]
	assert.Equal(t, uint16(999), got.QueryEnd)
	assert.Equal(t, 1000, len(got.Reference))
	assert.Equal(t, 1000, len(got.Query))
	assert.Len(t, got.BaseQualities, 1000)
	require.NoError(t, r.Close())
}

func collectNames(t *testing.T, r *Reader) []string {
	var names []string
	var rec AlignedRead
	for r.LoadNextRead(&rec) {
		names = append(names, rec.Name)
	}
	require.NoError(t, r.Err())
	return names
}

// Two partitions of size 3 and 2: five reads, then end; rewind replays the
// same five reads in the same order.
func TestPartitionsAndRewind(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	read := func(name string) testRead {
		return testRead{name: name, mate1: []testAlignment{shortAlignment()}}
	}
	ar := &testArchive{
		refs: singleRef(),
		partitions: [][]testRead{
			{read("r1"), read("r2"), read("r3")},
			{read("r4"), read("r5")},
		},
	}
	image, _ := ar.build(t)
	path := writeFile(t, tempDir, "parts.aa", image)

	r := NewReader(path, defaultOpts())
	assert.Equal(t, uint64(5), r.NumReads())
	first := collectNames(t, r)
	assert.Equal(t, []string{"r1", "r2", "r3", "r4", "r5"}, first)

	require.NoError(t, r.Rewind())
	second := collectNames(t, r)
	assert.Equal(t, first, second)
	require.NoError(t, r.Close())
}

// Jump selects the first index entry at or past the target: with entries
// [(3,0) (5,50) (5,200) (7,0)], jump(5,100) lands on (5,200)'s partition.
func TestJump(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	read := func(name string) testRead {
		return testRead{name: name, mate1: []testAlignment{shortAlignment()}}
	}
	ar := &testArchive{
		refs: singleRef(),
		partitions: [][]testRead{
			{read("p0")}, {read("p1")}, {read("p2")}, {read("p3")},
		},
		index: []testIndexEntry{
			{refIndex: 3, position: 0, partition: 0},
			{refIndex: 5, position: 50, partition: 1},
			{refIndex: 5, position: 200, partition: 2},
			{refIndex: 7, position: 0, partition: 3},
		},
	}
	image, _ := ar.build(t)
	path := writeFile(t, tempDir, "jump.aa", image)

	r := NewReader(path, defaultOpts())
	require.NoError(t, r.Jump(5, 100))
	var rec AlignedRead
	require.True(t, r.LoadNextRead(&rec))
	assert.Equal(t, "p2", rec.Name)

	// A later jump supersedes the first.
	require.NoError(t, r.Jump(3, 0))
	require.True(t, r.LoadNextRead(&rec))
	assert.Equal(t, "p0", rec.Name)

	// No entry at or past the target.
	err := r.Jump(9, 0)
	require.Error(t, err)
	assert.Equal(t, archive.KindIndexMissing, archive.KindOf(err))
	_ = r.Close()
}

func TestJumpWithoutIndex(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ar := &testArchive{
		refs: singleRef(),
		partitions: [][]testRead{
			{{name: "r1", mate1: []testAlignment{shortAlignment()}}},
		},
	}
	image, _ := ar.build(t)
	path := writeFile(t, tempDir, "noindex.aa", image)

	r := NewReader(path, defaultOpts())
	err := r.Jump(0, 0)
	require.Error(t, err)
	assert.Equal(t, archive.KindIndexMissing, archive.KindOf(err))
	_ = r.Close()
}

// A decompressor failure aborts iteration and leaves the reader closeable.
func TestDecompressionFailure(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ar := &testArchive{
		refs: singleRef(),
		partitions: [][]testRead{
			{{name: "r1", mate1: []testAlignment{shortAlignment()}}},
		},
	}
	image, _ := ar.build(t)
	path := writeFile(t, tempDir, "corrupt.aa", image)

	r := NewReader(path, ReadOpts{Decompress: func(dst, src []byte) (int, error) {
		return 0, nil
	}})
	var rec AlignedRead
	assert.False(t, r.LoadNextRead(&rec))
	require.Error(t, r.Err())
	assert.Equal(t, archive.KindDecompressionFailed, archive.KindOf(r.Err()))
	err := r.Close()
	require.Error(t, err)
	assert.Equal(t, archive.KindDecompressionFailed, archive.KindOf(err))
}

func TestMissingDecompressor(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ar := &testArchive{
		refs: singleRef(),
		partitions: [][]testRead{
			{{name: "r1", mate1: []testAlignment{shortAlignment()}}},
		},
	}
	image, _ := ar.build(t)
	path := writeFile(t, tempDir, "nodec.aa", image)

	r := NewReader(path, ReadOpts{})
	var rec AlignedRead
	assert.False(t, r.LoadNextRead(&rec))
	assert.Equal(t, archive.KindInternalState, archive.KindOf(r.Err()))
	_ = r.Close()
}

func TestEmptyArchive(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ar := &testArchive{refs: singleRef()}
	image, _ := ar.build(t)
	path := writeFile(t, tempDir, "empty.aa", image)

	r := NewReader(path, defaultOpts())
	var rec AlignedRead
	assert.False(t, r.LoadNextRead(&rec))
	require.NoError(t, r.Err())
	require.NoError(t, r.Close())
}

// An out-of-range reference index is malformed, not truncated.
func TestInvalidReferenceIndex(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	al := shortAlignment()
	al.refIndex = 9
	ar := &testArchive{
		refs: singleRef(),
		partitions: [][]testRead{
			{{name: "r1", mate1: []testAlignment{al}}},
		},
	}
	image, _ := ar.build(t)
	path := writeFile(t, tempDir, "badref.aa", image)

	r := NewReader(path, defaultOpts())
	var rec AlignedRead
	assert.False(t, r.LoadNextRead(&rec))
	require.Error(t, r.Err())
	assert.Equal(t, archive.KindInvalidArchive, archive.KindOf(r.Err()))
	_ = r.Close()
}

// Orientation bit 1 decodes as written by default; the legacy mode
// reproduces the producer's comparison, which never fires.
func TestMateOrientationModes(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	al := shortAlignment()
	al.orientation = 3
	ar := &testArchive{
		refs: singleRef(),
		partitions: [][]testRead{
			{{name: "r1", mate1: []testAlignment{al}}},
		},
	}
	image, _ := ar.build(t)
	path := writeFile(t, tempDir, "orient.aa", image)

	r := NewReader(path, defaultOpts())
	var rec AlignedRead
	require.True(t, r.LoadNextRead(&rec))
	assert.True(t, rec.Mate1Alignments[0].IsReverseComplement)
	assert.True(t, rec.Mate1Alignments[0].IsMateReverseComplement)
	require.NoError(t, r.Close())

	r = NewReader(path, ReadOpts{Decompress: storedDecompress, LegacyMateOrientation: true})
	require.True(t, r.LoadNextRead(&rec))
	assert.True(t, rec.Mate1Alignments[0].IsReverseComplement)
	assert.False(t, rec.Mate1Alignments[0].IsMateReverseComplement)
	require.NoError(t, r.Close())
}

func TestLoadNextReadOnUnopenedReader(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := writeFile(t, tempDir, "junk.aa", []byte("junk"))

	r := NewReader(path, defaultOpts())
	var rec AlignedRead
	assert.False(t, r.LoadNextRead(&rec))
	require.Error(t, r.Err())
	assert.Equal(t, uint64(0), r.NumReads())
	assert.Equal(t, ASUnknown, r.Status())
	_ = r.Close()
}
