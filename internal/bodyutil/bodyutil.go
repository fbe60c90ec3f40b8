// Package bodyutil decodes compressed HTTP request bodies.
package bodyutil

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// ErrTooLarge is returned when the decoded body exceeds the limit.
var ErrTooLarge = errors.New("request body too large")

var zstdDec *zstd.Decoder

func init() {
	var err error
	zstdDec, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(0),
		zstd.WithDecoderMaxMemory(64<<20),
	)
	if err != nil {
		panic("bodyutil: init zstd decoder: " + err.Error())
	}
}

// ReadBody reads body, decoding it per the Content-Encoding header value.
// Supported encodings are gzip, zstd, br and identity. At most maxBytes of
// decoded output are accepted; larger bodies fail with ErrTooLarge.
func ReadBody(body io.Reader, contentEncoding string, maxBytes int64) ([]byte, error) {
	var r io.Reader
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "zstd":
		compressed, err := readLimited(body, maxBytes)
		if err != nil {
			return nil, err
		}
		decoded, err := zstdDec.DecodeAll(compressed, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress zstd body: %w", err)
		}
		if int64(len(decoded)) > maxBytes {
			return nil, ErrTooLarge
		}
		return decoded, nil

	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("open gzip reader: %w", err)
		}
		defer func() { _ = gz.Close() }()
		r = gz

	case "br":
		r = brotli.NewReader(body)

	case "", "identity":
		r = body

	default:
		return nil, fmt.Errorf("unsupported Content-Encoding: %q", contentEncoding)
	}
	return readLimited(r, maxBytes)
}

// readLimited reads up to maxBytes and reports ErrTooLarge if more remain.
func readLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	var buf bytes.Buffer
	n, err := buf.ReadFrom(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if n > maxBytes {
		return nil, ErrTooLarge
	}
	return buf.Bytes(), nil
}
