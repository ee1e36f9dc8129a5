package alignment

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/biogo/hts/sam"

	"github.com/polarsignals/htsarrow/formats"
	"github.com/polarsignals/htsarrow/records"
)

var bamMagic = [4]byte{'B', 'A', 'M', 1}

// BAM is the binary alignment format. Open and Resume take the decompressed
// stream.
type BAM struct{}

var _ formats.Format = BAM{}

func (BAM) Name() string { return "bam" }

func (BAM) Layout(formats.Header) records.Layout { return layout() }

func (BAM) Open(r io.Reader) (formats.Decoder, error) {
	br := bufio.NewReaderSize(r, 1<<16)
	h, err := readHeader(br)
	if err != nil {
		return nil, fmt.Errorf("bam: header: %w", err)
	}
	return &bamDecoder{h: h, r: br}, nil
}

func (BAM) Resume(h formats.Header, r io.Reader) (formats.Decoder, error) {
	sh, err := samHeader(h)
	if err != nil {
		return nil, err
	}
	return &bamDecoder{h: sh, r: bufio.NewReaderSize(r, 1<<16)}, nil
}

func readHeader(r io.Reader) (*sam.Header, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, err
	}
	if magic != bamMagic {
		return nil, fmt.Errorf("bad magic %q", magic[:])
	}
	text, err := readBlock(r)
	if err != nil {
		return nil, fmt.Errorf("text: %w", err)
	}
	var n int32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("negative reference count %d", n)
	}
	refs := make([]*sam.Reference, 0, n)
	for range n {
		name, err := readBlock(r)
		if err != nil {
			return nil, fmt.Errorf("reference name: %w", err)
		}
		var length int32
		if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
			return nil, err
		}
		ref, err := sam.NewReference(string(bytes.TrimRight(name, "\x00")), "", "", int(length), nil, nil)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}

	h, err := sam.NewHeader(bytes.TrimRight(text, "\x00"), nil)
	if err != nil {
		return nil, err
	}
	// The text may omit @SQ lines; the binary dictionary is authoritative.
	if len(h.Refs()) == 0 {
		for _, ref := range refs {
			if err := h.AddReference(ref); err != nil {
				return nil, err
			}
		}
	}
	if len(h.Refs()) != len(refs) {
		return nil, fmt.Errorf("header text has %d references, dictionary %d", len(h.Refs()), len(refs))
	}
	return h, nil
}

func readBlock(r io.Reader) ([]byte, error) {
	var n int32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("negative length %d", n)
	}
	b := make([]byte, n)
	_, err := io.ReadFull(r, b)
	return b, err
}

type bamDecoder struct {
	h      *sam.Header
	r      io.Reader
	buf    []byte
	record int64
}

func (d *bamDecoder) Header() formats.Header { return Header{d.h} }

func (d *bamDecoder) Read() (records.FieldSource, error) {
	var size [4]byte
	if _, err := io.ReadFull(d.r, size[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			d.record++
			return nil, d.malformed(err)
		}
		return nil, err
	}
	d.record++
	n := int(int32(binary.LittleEndian.Uint32(size[:])))
	if n < 32 {
		return nil, d.malformed(fmt.Errorf("record size %d", n))
	}
	if cap(d.buf) < n {
		d.buf = make([]byte, n)
	}
	d.buf = d.buf[:n]
	if _, err := io.ReadFull(d.r, d.buf); err != nil {
		return nil, d.malformed(err)
	}
	rec, err := unmarshalBAM(d.h, d.buf)
	if err != nil {
		return nil, d.malformed(err)
	}
	return &Record{rec}, nil
}

func (d *bamDecoder) malformed(err error) error {
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return &records.MalformedRecordError{Record: d.record, Err: err}
}

func reference(refs []*sam.Reference, id int32) (*sam.Reference, error) {
	switch {
	case id == -1:
		return nil, nil
	case id < 0 || int(id) >= len(refs):
		return nil, fmt.Errorf("reference id %d out of range", id)
	}
	return refs[id], nil
}

// unmarshalBAM decodes one record body, everything following block_size.
// The returned record does not alias b.
func unmarshalBAM(h *sam.Header, b []byte) (*sam.Record, error) {
	le := binary.LittleEndian
	refs := h.Refs()
	ref, err := reference(refs, int32(le.Uint32(b[0:])))
	if err != nil {
		return nil, err
	}
	mate, err := reference(refs, int32(le.Uint32(b[20:])))
	if err != nil {
		return nil, err
	}
	nameLen := int(b[8])
	nCigar := int(le.Uint16(b[12:]))
	seqLen := int(int32(le.Uint32(b[16:])))
	if seqLen < 0 {
		return nil, fmt.Errorf("negative sequence length %d", seqLen)
	}
	need := 32 + nameLen + 4*nCigar + (seqLen+1)/2 + seqLen
	if need > len(b) {
		return nil, fmt.Errorf("record of %d bytes needs %d", len(b), need)
	}

	rec := &sam.Record{
		Ref:     ref,
		Pos:     int(int32(le.Uint32(b[4:]))),
		MapQ:    b[9],
		Flags:   sam.Flags(le.Uint16(b[14:])),
		MateRef: mate,
		MatePos: int(int32(le.Uint32(b[24:]))),
		TempLen: int(int32(le.Uint32(b[28:]))),
	}
	p := b[32:]
	rec.Name = string(bytes.TrimRight(p[:nameLen], "\x00"))
	p = p[nameLen:]

	rec.Cigar = make(sam.Cigar, nCigar)
	for i := range rec.Cigar {
		rec.Cigar[i] = sam.CigarOp(le.Uint32(p))
		p = p[4:]
	}

	packed := p[:(seqLen+1)/2]
	rec.Seq = sam.Seq{Length: seqLen, Seq: make([]sam.Doublet, len(packed))}
	for i, c := range packed {
		rec.Seq.Seq[i] = sam.Doublet(c)
	}
	p = p[len(packed):]

	if seqLen > 0 {
		rec.Qual = append([]byte(nil), p[:seqLen]...)
	}
	p = p[seqLen:]

	if rec.AuxFields, err = parseAux(p); err != nil {
		return nil, err
	}
	return rec, nil
}

// parseAux splits the optional fields of a record. String values are stored
// without their terminating NUL.
func parseAux(b []byte) ([]sam.Aux, error) {
	var aux []sam.Aux
	for len(b) > 0 {
		if len(b) < 4 {
			return nil, fmt.Errorf("truncated tag %q", b)
		}
		var n int
		switch t := b[2]; t {
		case 'A', 'c', 'C':
			n = 4
		case 's', 'S':
			n = 5
		case 'i', 'I', 'f':
			n = 7
		case 'Z', 'H':
			end := bytes.IndexByte(b[3:], 0)
			if end < 0 {
				return nil, fmt.Errorf("tag %s: unterminated string", b[:2])
			}
			aux = append(aux, sam.Aux(bytes.Clone(b[:3+end])))
			b = b[3+end+1:]
			continue
		case 'B':
			if len(b) < 8 {
				return nil, fmt.Errorf("tag %s: truncated array", b[:2])
			}
			size, ok := map[byte]int{'c': 1, 'C': 1, 's': 2, 'S': 2, 'i': 4, 'I': 4, 'f': 4}[b[3]]
			if !ok {
				return nil, fmt.Errorf("tag %s: unknown array type %c", b[:2], b[3])
			}
			n = 8 + size*int(binary.LittleEndian.Uint32(b[4:]))
		default:
			return nil, fmt.Errorf("tag %s: unknown type %c", b[:2], t)
		}
		if n > len(b) {
			return nil, fmt.Errorf("tag %s: truncated value", b[:2])
		}
		aux = append(aux, sam.Aux(bytes.Clone(b[:n])))
		b = b[n:]
	}
	return aux, nil
}
