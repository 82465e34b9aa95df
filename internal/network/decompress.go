// File: internal/network/decompress.go
package network

import (
	"bufio"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
)

// DefaultMaxBodyBytes caps how much of a response body is buffered.
const DefaultMaxBodyBytes int64 = 5 * 1024 * 1024

// decodingReader wraps body in a decompressor chosen by the Content-Encoding
// value. Unknown or empty encodings pass the body through unchanged.
func decodingReader(body io.Reader, contentEncoding string) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "", "identity":
		return body, nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("invalid gzip stream: %w", err)
		}
		return zr, nil
	case "deflate":
		// "deflate" is meant to be zlib-wrapped, but raw DEFLATE is common in
		// the wild. Peek at the header to choose.
		br := bufio.NewReader(body)
		header, err := br.Peek(2)
		if err == nil && isZlibHeader(header) {
			zr, err := zlib.NewReader(br)
			if err != nil {
				return nil, fmt.Errorf("invalid zlib stream: %w", err)
			}
			return zr, nil
		}
		return flate.NewReader(br), nil
	case "br":
		return brotli.NewReader(body), nil
	default:
		return body, nil
	}
}

func isZlibHeader(b []byte) bool {
	return b[0]&0x0f == 8 && (uint16(b[0])<<8|uint16(b[1]))%31 == 0
}

// readBody decodes and buffers at most limit bytes of body. Anything beyond
// the limit is discarded without error.
func readBody(body io.Reader, contentEncoding string, limit int64) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	r, err := decodingReader(body, contentEncoding)
	if err != nil {
		return nil, err
	}
	if c, ok := r.(io.Closer); ok && r != body {
		defer c.Close()
	}
	data, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return data, fmt.Errorf("failed to read response body: %w", err)
	}
	return data, nil
}
