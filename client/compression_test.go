package client

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"

	"github.com/spacetimedb-community/spacetimedb-go/bsatn"
)

func gzipCompress(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		t.Fatalf("gzip write failed: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close failed: %v", err)
	}
	return buf.Bytes()
}

func brotliCompress(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	bw := brotli.NewWriter(&buf)
	if _, err := bw.Write(data); err != nil {
		t.Fatalf("brotli write failed: %v", err)
	}
	if err := bw.Close(); err != nil {
		t.Fatalf("brotli close failed: %v", err)
	}
	return buf.Bytes()
}

func TestDecompressFrame(t *testing.T) {
	payload := []byte("a server message body long enough to compress")

	tests := []struct {
		name  string
		frame []byte
	}{
		{"none", append([]byte{compressionNone}, payload...)},
		{"gzip", append([]byte{compressionGzip}, gzipCompress(t, payload)...)},
		{"brotli", append([]byte{compressionBrotli}, brotliCompress(t, payload)...)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := decompressFrame(tc.frame)
			if err != nil {
				t.Fatalf("decompressFrame failed: %v", err)
			}
			if !bytes.Equal(got, payload) {
				t.Fatalf("payload = %q, want %q", got, payload)
			}
		})
	}
}

func TestDecompressFrameErrors(t *testing.T) {
	tests := []struct {
		name    string
		frame   []byte
		wantMsg string
	}{
		{"empty frame", nil, "empty frame"},
		{"unknown tag", []byte{0x7F, 1, 2, 3}, "unknown compression tag 0x7F"},
		{"corrupt gzip", []byte{compressionGzip, 0xDE, 0xAD, 0xBE, 0xEF}, "gzip frame"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := decompressFrame(tc.frame)
			var derr *bsatn.DecodingError
			if !errors.As(err, &derr) {
				t.Fatalf("error = %v, want *bsatn.DecodingError", err)
			}
			if !strings.Contains(derr.Msg, tc.wantMsg) {
				t.Fatalf("message = %q, want substring %q", derr.Msg, tc.wantMsg)
			}
		})
	}
}

func TestDecompressFrameEmptyBody(t *testing.T) {
	got, err := decompressFrame([]byte{compressionNone})
	if err != nil {
		t.Fatalf("decompressFrame failed: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("payload = %q, want empty", got)
	}
}

func TestDecompressedDataQueryUpdate(t *testing.T) {
	rows := []byte("encoded row data")

	inline := &CompressableQueryUpdate{Uncompressed: &QueryUpdate{}}
	if data, err := inline.DecompressedData(); err != nil || data != nil {
		t.Fatalf("inline arm = %v, %v, want nil, nil", data, err)
	}

	gz := &CompressableQueryUpdate{Gzip: gzipCompress(t, rows)}
	data, err := gz.DecompressedData()
	if err != nil {
		t.Fatalf("gzip arm failed: %v", err)
	}
	if !bytes.Equal(data, rows) {
		t.Fatalf("gzip arm = %q", data)
	}

	br := &CompressableQueryUpdate{Brotli: brotliCompress(t, rows)}
	data, err = br.DecompressedData()
	if err != nil {
		t.Fatalf("brotli arm failed: %v", err)
	}
	if !bytes.Equal(data, rows) {
		t.Fatalf("brotli arm = %q", data)
	}

	empty := &CompressableQueryUpdate{}
	if data, err := empty.DecompressedData(); err != nil || data != nil {
		t.Fatalf("empty arm = %v, %v, want nil, nil", data, err)
	}
}
