package client

import (
	"bytes"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"

	"github.com/spacetimedb-community/spacetimedb-go/bsatn"
)

// Compression tags prefixed to binary server frames. Client frames are
// always sent uncompressed.
const (
	compressionNone   byte = 0x00
	compressionBrotli byte = 0x01
	compressionGzip   byte = 0x02
)

// maxDecompressedFrame caps how large a server frame may inflate to.
const maxDecompressedFrame = 64 << 20

// decompressFrame strips the compression envelope from a binary server
// frame and returns the raw message bytes.
func decompressFrame(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, &bsatn.DecodingError{Offset: 0, Msg: "empty frame"}
	}
	tag, body := frame[0], frame[1:]
	switch tag {
	case compressionNone:
		return body, nil
	case compressionBrotli:
		return readCapped(brotli.NewReader(bytes.NewReader(body)))
	case compressionGzip:
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, &bsatn.DecodingError{Offset: 1, Msg: fmt.Sprintf("gzip frame: %s", err)}
		}
		defer zr.Close()
		return readCapped(zr)
	default:
		return nil, &bsatn.DecodingError{Offset: 0, Msg: fmt.Sprintf("unknown compression tag 0x%02X", tag)}
	}
}

func readCapped(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxDecompressedFrame+1))
	if err != nil {
		return nil, &bsatn.DecodingError{Offset: 1, Msg: fmt.Sprintf("decompress frame: %s", err)}
	}
	if len(data) > maxDecompressedFrame {
		return nil, &bsatn.DecodingError{Offset: 1, Msg: fmt.Sprintf("decompressed frame exceeds %d bytes", maxDecompressedFrame)}
	}
	return data, nil
}

// DecompressedData resolves a compressed query update arm into its raw
// encoded bytes. Inline updates return nil; callers read the Uncompressed
// field directly.
func (u *CompressableQueryUpdate) DecompressedData() ([]byte, error) {
	switch {
	case u.Uncompressed != nil:
		return nil, nil
	case len(u.Brotli) > 0:
		return readCapped(brotli.NewReader(bytes.NewReader(u.Brotli)))
	case len(u.Gzip) > 0:
		zr, err := gzip.NewReader(bytes.NewReader(u.Gzip))
		if err != nil {
			return nil, fmt.Errorf("gzip query update: %w", err)
		}
		defer zr.Close()
		return readCapped(zr)
	default:
		return nil, nil
	}
}
