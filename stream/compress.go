package stream

import (
	"bytes"
	"compress/flate"
	"io"

	"github.com/replicore/objnet/errs"
)

// CompressionThreshold is the payload size, in bytes, at or above which
// Compress actually deflates a stream's payload instead of leaving it
// identity-encoded (spec §4.5's optional per-stream compression).
const CompressionThreshold = 8192

// Compressor ids tagged on Record.CompressorID (spec §4.5
// "compressor-id"). None is the zero value so an un-compressed record
// looks identical to one built before compression existed.
const (
	CompressorNone  uint8 = 0
	CompressorFlate uint8 = 1
)

// Compress deflates payload when it is large enough for the saving to
// be worth the CPU (CompressionThreshold) and the result actually comes
// out smaller; otherwise it returns payload unchanged with
// CompressorNone. The pack has no dedicated compression library among
// its dependencies (see DESIGN.md), so this uses the standard library's
// DEFLATE implementation, the same algorithm family HTTP/gzip tooling
// in the examples' stacks builds on.
func Compress(payload []byte) ([]byte, uint8) {
	if len(payload) < CompressionThreshold {
		return payload, CompressorNone
	}
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return payload, CompressorNone
	}
	if _, err := w.Write(payload); err != nil {
		return payload, CompressorNone
	}
	if err := w.Close(); err != nil {
		return payload, CompressorNone
	}
	if buf.Len() >= len(payload) {
		return payload, CompressorNone
	}
	return buf.Bytes(), CompressorFlate
}

// Decompress reverses Compress given the compressor id a stream's
// records were tagged with.
func Decompress(payload []byte, compressorID uint8) ([]byte, error) {
	switch compressorID {
	case CompressorNone:
		return payload, nil
	case CompressorFlate:
		r := flate.NewReader(bytes.NewReader(payload))
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, errs.ErrBadDatagram
		}
		return out, nil
	default:
		return nil, errs.ErrBadDatagram
	}
}
