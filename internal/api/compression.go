package api

import (
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// decompressMiddleware transparently decompresses request bodies. The
// extension compresses large snapshot batches with zstd; older builds
// send plain JSON with no Content-Encoding header.
func decompressMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch encoding := r.Header.Get("Content-Encoding"); {
			case encoding == "":
				next.ServeHTTP(w, r)

			case strings.EqualFold(encoding, "zstd"):
				decoder, err := zstd.NewReader(r.Body)
				if err != nil {
					respondError(w, http.StatusBadRequest, "Failed to create zstd decoder")
					return
				}
				defer decoder.Close()

				// Downstream handlers see a plain body.
				r.Body = io.NopCloser(decoder)
				r.Header.Del("Content-Encoding")
				r.Header.Del("Content-Length")
				r.ContentLength = -1
				next.ServeHTTP(w, r)

			default:
				respondError(w, http.StatusUnsupportedMediaType,
					"Unsupported Content-Encoding: "+encoding)
			}
		})
	}
}
