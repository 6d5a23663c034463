// Package compression negotiates zstd Content-Encoding for log shipping.
package compression

import (
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const (
	// EncodingZstd is the Content-Encoding token for zstd.
	EncodingZstd = "zstd"

	headerAcceptEncoding  = "Accept-Encoding"
	headerContentEncoding = "Content-Encoding"
)

// Accepts reports whether the request allows zstd encoded responses.
func Accepts(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get(headerAcceptEncoding), ",") {
		name, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.EqualFold(name, EncodingZstd) {
			return true
		}
	}
	return false
}

// Middleware compresses the response body with zstd when the client accepts it.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !Accepts(r) {
			next.ServeHTTP(w, r)
			return
		}

		enc, err := zstd.NewWriter(w, zstd.WithEncoderConcurrency(1))
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		defer enc.Close()

		w.Header().Set(headerContentEncoding, EncodingZstd)
		w.Header().Add("Vary", headerAcceptEncoding)
		w.Header().Del("Content-Length")
		next.ServeHTTP(&zstdWriter{ResponseWriter: w, enc: enc}, r)
	})
}

type zstdWriter struct {
	http.ResponseWriter
	enc *zstd.Encoder
}

func (w *zstdWriter) Write(p []byte) (int, error) {
	return w.enc.Write(p)
}

// RequestZstd marks req as accepting zstd responses.
func RequestZstd(req *http.Request) {
	req.Header.Set(headerAcceptEncoding, EncodingZstd)
}

// Body returns the decoded body of resp. The caller closes both.
func Body(resp *http.Response) (io.ReadCloser, error) {
	if !strings.EqualFold(resp.Header.Get(headerContentEncoding), EncodingZstd) {
		return io.NopCloser(resp.Body), nil
	}
	dec, err := zstd.NewReader(resp.Body, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	return dec.IOReadCloser(), nil
}
