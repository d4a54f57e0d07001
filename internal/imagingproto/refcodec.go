package imagingproto

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/dicomgw/gateway/internal/tagmodel"
)

// preamble is the 128-byte block preceding the "DICM" magic literal that
// every stored object begins with.
const preambleSize = 128

var magic = [4]byte{'D', 'I', 'C', 'M'}

// ReferenceCodec is a minimal stand-in wire codec: (group,element) uint16
// pairs, a 2-byte VR, a uint32 length, and length value bytes, each element
// written in ascending tag order after the standard preamble+magic. It
// exists only to give the de-id executor's own tests a concrete Codec to
// exercise; a production deployment supplies a real imaging-protocol
// library here instead.
type ReferenceCodec struct {
	DefaultTransferSyntaxUID string
}

// NewReferenceCodec returns a ReferenceCodec defaulting to explicit VR
// little endian when a decoded file carries no transfer syntax of its own.
func NewReferenceCodec() *ReferenceCodec {
	return &ReferenceCodec{DefaultTransferSyntaxUID: "1.2.840.10008.1.2.1"}
}

func (c *ReferenceCodec) DecodeFile(path string) (*Decoded, error) {
	return c.decode(path, false)
}

func (c *ReferenceCodec) DecodeHeader(path string) (*Decoded, error) {
	return c.decode(path, true)
}

func (c *ReferenceCodec) decode(path string, headerOnly bool) (*Decoded, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	if err := consumePreamble(r); err != nil {
		return nil, err
	}

	set := tagmodel.NewAttributeSet()
	var offset int64 = preambleSize + 4
	decoded := &Decoded{Attributes: set, TransferSyntaxUID: c.DefaultTransferSyntaxUID}

	for {
		elemStart := offset
		header := make([]byte, 8)
		n, err := io.ReadFull(r, header)
		offset += int64(n)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading element header at offset %d: %w", elemStart, err)
		}

		group := binary.BigEndian.Uint16(header[0:2])
		element := binary.BigEndian.Uint16(header[2:4])
		tag := tagmodel.NewTag(group, element)
		vr := tagmodel.VR(header[4:6])
		length := binary.BigEndian.Uint32(header[6:8])

		if tag == tagmodel.PixelData {
			decoded.PixelDataOffset = elemStart
			if headerOnly {
				break
			}
		}

		value := make([]byte, length)
		n, err = io.ReadFull(r, value)
		offset += int64(n)
		if err != nil {
			return nil, fmt.Errorf("reading element value at offset %d: %w", elemStart, err)
		}

		if tag == tagmodel.TransferSyntaxUID {
			decoded.TransferSyntaxUID = string(value)
		}

		set.Insert(tagmodel.Attribute{Tag: tag, VR: vr, Value: string(value), Raw: value})
	}

	return decoded, nil
}

func consumePreamble(r io.Reader) error {
	buf := make([]byte, preambleSize+4)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("reading preamble+magic: %w", err)
	}
	if string(buf[preambleSize:]) != string(magic[:]) {
		return fmt.Errorf("missing DICM magic literal")
	}
	return nil
}

func (c *ReferenceCodec) EncodeFile(path string, attrs *tagmodel.AttributeSet) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating %s: %w", tmp, err)
	}

	if _, err := writePreambleAndElements(f, attrs, false); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("fsyncing %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// EncodeHeader writes the preamble, magic and header-scope elements of
// attrs. It writes no file-meta block: the file-meta group is among the
// elements it skips.
func (c *ReferenceCodec) EncodeHeader(path string, attrs *tagmodel.AttributeSet) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	n, err := writePreambleAndElements(f, attrs, true)
	if err != nil {
		return 0, err
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("fsyncing %s: %w", path, err)
	}
	return n, nil
}

// writePreambleAndElements writes the preamble, magic, and every attribute
// in ascending tag order. When excludePixelAndBeyond is true it skips
// group-length elements, the file-meta group, PixelData, and anything at or
// beyond PixelData's tag value, matching the streaming path's header scope.
func writePreambleAndElements(w io.Writer, attrs *tagmodel.AttributeSet, excludePixelAndBeyond bool) (int64, error) {
	var written int64

	n, err := w.Write(make([]byte, preambleSize))
	written += int64(n)
	if err != nil {
		return written, err
	}
	n, err = w.Write(magic[:])
	written += int64(n)
	if err != nil {
		return written, err
	}

	for _, tag := range attrs.Tags() {
		if excludePixelAndBeyond && (tag.IsGroupLength() || tag.IsFileMetaGroup() || tag >= tagmodel.PixelData) {
			continue
		}
		attr, _ := attrs.Get(tag)
		value := attr.Raw
		if value == nil {
			value = []byte(attr.Value)
		}

		header := make([]byte, 8)
		binary.BigEndian.PutUint16(header[0:2], tag.Group())
		binary.BigEndian.PutUint16(header[2:4], tag.Element())
		vr := attr.VR
		if len(vr) != 2 {
			vr = "UN"
		}
		copy(header[4:6], []byte(vr))
		binary.BigEndian.PutUint32(header[6:8], uint32(len(value)))

		n, err := w.Write(header)
		written += int64(n)
		if err != nil {
			return written, err
		}
		n, err = w.Write(value)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}

	return written, nil
}
