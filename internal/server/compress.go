package server

import (
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
)

const (
	brotliQuality = 4
	// minCompressSize is the smallest response body worth compressing.
	minCompressSize = 1024
)

var gzipWriterPool = sync.Pool{
	New: func() any {
		gz, _ := gzip.NewWriterLevel(io.Discard, gzip.DefaultCompression)
		return gz
	},
}

var brotliWriterPool = sync.Pool{
	New: func() any {
		return brotli.NewWriterLevel(io.Discard, brotliQuality)
	},
}

// compressMiddleware compresses responses with brotli or gzip when the
// client accepts it, preferring brotli. Bodies shorter than
// minCompressSize and responses that already carry a Content-Encoding are
// sent as is.
func compressMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ae := r.Header.Get("Accept-Encoding")

		var encoding string
		switch {
		case r.Method == http.MethodHead:
		case acceptsEncoding(ae, "br"):
			encoding = "br"
		case acceptsEncoding(ae, "gzip"):
			encoding = "gzip"
		}
		if encoding == "" {
			next.ServeHTTP(w, r)
			return
		}

		cw := &compressWriter{ResponseWriter: w, encoding: encoding, status: http.StatusOK}
		defer cw.Close()
		next.ServeHTTP(cw, r)
	})
}

func acceptsEncoding(header, encoding string) bool {
	for part := range strings.SplitSeq(header, ",") {
		enc, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.TrimSpace(enc) != encoding {
			continue
		}
		// "br;q=0" declines the encoding.
		return strings.ReplaceAll(params, " ", "") != "q=0"
	}
	return false
}

// compressWriter holds back the status line and the first bytes of the
// body until it knows whether the response is large enough to compress.
type compressWriter struct {
	http.ResponseWriter
	encoding string
	status   int

	wroteHeader bool // handler called WriteHeader
	decided     bool // status line sent downstream
	passthrough bool
	buf         []byte
	writer      io.WriteCloser
}

func (cw *compressWriter) WriteHeader(code int) {
	if cw.wroteHeader {
		return
	}
	cw.wroteHeader = true
	cw.status = code
	if cw.Header().Get("Content-Encoding") != "" || code == http.StatusNoContent || code == http.StatusNotModified {
		cw.pass()
	}
}

func (cw *compressWriter) Write(b []byte) (int, error) {
	cw.wroteHeader = true
	if cw.decided {
		if cw.passthrough {
			return cw.ResponseWriter.Write(b)
		}
		return cw.writer.Write(b)
	}
	if cw.Header().Get("Content-Encoding") != "" {
		cw.pass()
		return cw.ResponseWriter.Write(b)
	}
	cw.buf = append(cw.buf, b...)
	if len(cw.buf) >= minCompressSize {
		if err := cw.compress(); err != nil {
			return 0, err
		}
	}
	return len(b), nil
}

// pass sends the status line and any buffered bytes uncompressed.
func (cw *compressWriter) pass() {
	cw.decided = true
	cw.passthrough = true
	cw.ResponseWriter.WriteHeader(cw.status)
	if len(cw.buf) > 0 {
		_, _ = cw.ResponseWriter.Write(cw.buf)
		cw.buf = nil
	}
}

func (cw *compressWriter) compress() error {
	cw.decided = true
	h := cw.Header()
	h.Set("Content-Encoding", cw.encoding)
	h.Del("Content-Length")
	h.Add("Vary", "Accept-Encoding")

	switch cw.encoding {
	case "br":
		bw := brotliWriterPool.Get().(*brotli.Writer)
		bw.Reset(cw.ResponseWriter)
		cw.writer = bw
	default:
		gz := gzipWriterPool.Get().(*gzip.Writer)
		gz.Reset(cw.ResponseWriter)
		cw.writer = gz
	}
	cw.ResponseWriter.WriteHeader(cw.status)
	_, err := cw.writer.Write(cw.buf)
	cw.buf = nil
	return err
}

// Flush commits to compression so streamed output reaches the client.
func (cw *compressWriter) Flush() {
	if !cw.decided {
		if err := cw.compress(); err != nil {
			return
		}
	}
	if f, ok := cw.writer.(interface{ Flush() error }); ok && !cw.passthrough {
		_ = f.Flush()
	}
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (cw *compressWriter) Close() {
	if !cw.decided {
		if !cw.wroteHeader {
			return
		}
		cw.pass()
		return
	}
	if cw.passthrough || cw.writer == nil {
		return
	}
	_ = cw.writer.Close()
	switch cw.encoding {
	case "br":
		brotliWriterPool.Put(cw.writer)
	default:
		gzipWriterPool.Put(cw.writer)
	}
	cw.writer = nil
}

func (cw *compressWriter) Unwrap() http.ResponseWriter { return cw.ResponseWriter }
