// Package imagingproto defines the pluggable wire-codec boundary between the
// gateway and the imaging protocol's actual byte encoding. Per spec, the
// wire encoding itself is an external collaborator's concern ("assume a
// library yields decoded objects and reconstructs them") — this package
// only specifies the contract the rest of the gateway programs against, and
// ships a minimal reference implementation used by the de-id executor's own
// tests. Production deployments plug in a real decoder/encoder pair.
package imagingproto

import "github.com/dicomgw/gateway/internal/tagmodel"

// Decoded is the result of reading one stored object's header.
type Decoded struct {
	Attributes        *tagmodel.AttributeSet
	TransferSyntaxUID string
	// PixelDataOffset is the byte offset into the source file at which the
	// PixelData element (its tag/VR/length header) begins, recorded so the
	// streaming de-id path can copy the element from there without decoding
	// pixel bytes.
	PixelDataOffset int64
}

// Decoder reads a stored instance from disk.
type Decoder interface {
	// DecodeFile decodes every element of the file, PixelData included, into
	// an attribute set, used by the standard (<2GiB) de-id path.
	DecodeFile(path string) (*Decoded, error)

	// DecodeHeader decodes only attributes preceding PixelData, stopping at
	// the recorded offset, used by the streaming (>=2GiB) de-id path so
	// pixel bytes never enter the heap.
	DecodeHeader(path string) (*Decoded, error)
}

// Encoder writes a decoded, possibly-modified attribute set back to disk.
type Encoder interface {
	// EncodeFile writes attrs as a complete file at path, used by the
	// standard de-id path.
	EncodeFile(path string, attrs *tagmodel.AttributeSet) error

	// EncodeHeader writes the 128-byte preamble, "DICM" literal, file-meta
	// block, and dataset elements (ascending tag order, excluding group-
	// length/file-meta-group/PixelData-and-beyond) for attrs, returning the
	// number of bytes written, used by the streaming de-id path before it
	// appends the copied pixel-data tail.
	EncodeHeader(path string, attrs *tagmodel.AttributeSet) (int64, error)
}

// Codec bundles a Decoder and Encoder, the unit the de-id executor and
// receiver depend on.
type Codec interface {
	Decoder
	Encoder
}
