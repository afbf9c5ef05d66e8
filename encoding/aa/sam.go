package aa

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"net/url"

	"github.com/grailbio/hts/sam"
	"github.com/pkg/errors"
)

// samPlatform maps a sequencing technology to its SAM @RG PL value.
func samPlatform(st SequencingTechnologies) string {
	switch st {
	case ST454:
		return "LS454"
	case STHelicos:
		return "HELICOS"
	case STIllumina:
		return "ILLUMINA"
	case STPacificBiosciences:
		return "PACBIO"
	case STSOLiD:
		return "SOLID"
	case STSanger:
		return "CAPILLARY"
	}
	return ""
}

// SAMHeader converts the archive metadata into a sam.Header: one @SQ line
// per reference sequence and one @RG line per read group with a non-empty
// ID. The reader must have opened successfully.
func (r *Reader) SAMHeader() (*sam.Header, error) {
	if !r.isOpen {
		return nil, errors.Errorf("%s: SAMHeader on a reader that is not open", r.path)
	}
	refs := make([]*sam.Reference, 0, len(r.refSeqs))
	for _, rs := range r.refSeqs {
		var md5 []byte
		if b, err := hex.DecodeString(rs.MD5); err == nil && len(b) == 16 {
			md5 = b
		}
		var uri *url.URL
		if rs.URI != "" {
			if u, err := url.Parse(rs.URI); err == nil {
				uri = u
			}
		}
		ref, err := sam.NewReference(rs.Name, rs.GenomeAssemblyID, rs.Species, int(rs.NumBases), md5, uri)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: reference %q", r.path, rs.Name)
		}
		refs = append(refs, ref)
	}

	var text bytes.Buffer
	for _, rg := range r.readGroups {
		if rg.ReadGroupID == "" {
			continue
		}
		fmt.Fprintf(&text, "@RG\tID:%s", rg.ReadGroupID)
		if rg.CenterName != "" {
			fmt.Fprintf(&text, "\tCN:%s", rg.CenterName)
		}
		if rg.Description != "" {
			fmt.Fprintf(&text, "\tDS:%s", rg.Description)
		}
		if rg.LibraryName != "" {
			fmt.Fprintf(&text, "\tLB:%s", rg.LibraryName)
		}
		if pl := samPlatform(rg.SequencingTechnology); pl != "" {
			fmt.Fprintf(&text, "\tPL:%s", pl)
		}
		if rg.MedianFragmentLength != 0 {
			fmt.Fprintf(&text, "\tPI:%d", rg.MedianFragmentLength)
		}
		if rg.PlatformUnit != "" {
			fmt.Fprintf(&text, "\tPU:%s", rg.PlatformUnit)
		}
		if rg.SampleName != "" {
			fmt.Fprintf(&text, "\tSM:%s", rg.SampleName)
		}
		text.WriteByte('\n')
	}

	h, err := sam.NewHeader(text.Bytes(), refs)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: building SAM header", r.path)
	}
	return h, nil
}
