package session

import (
	"bufio"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"golang.org/x/net/html/charset"
)

var errBodyTooLarge = errors.New("response body exceeds limit")

// readBody decompresses resp per Content-Encoding, converts it to UTF-8 and
// reads at most limit bytes of decoded text. An empty body yields "".
func readBody(resp *http.Response, limit int64) (string, error) {
	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotModified || resp.ContentLength == 0 {
		return "", nil
	}

	raw := bufio.NewReader(resp.Body)
	if isEmpty(raw) {
		return "", nil
	}

	decoded, err := decompress(raw, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return "", err
	}
	defer decoded.Close()

	// charset.NewReader fails on an empty stream.
	text := bufio.NewReader(decoded)
	if isEmpty(text) {
		return "", nil
	}

	utf8Reader, err := charset.NewReader(text, resp.Header.Get("Content-Type"))
	if err != nil {
		return "", fmt.Errorf("charset conversion: %w", err)
	}

	data, err := io.ReadAll(io.LimitReader(utf8Reader, limit+1))
	if err != nil {
		return "", fmt.Errorf("reading body: %w", err)
	}
	if int64(len(data)) > limit {
		return "", errBodyTooLarge
	}
	return string(data), nil
}

// isEmpty reports whether r is at EOF. Other read errors surface on the
// next read.
func isEmpty(r *bufio.Reader) bool {
	_, err := r.Peek(1)
	return errors.Is(err, io.EOF)
}

// decompress wraps body for the given Content-Encoding. Stacked encodings
// ("gzip, br") are undone from last to first.
func decompress(body io.Reader, encoding string) (io.ReadCloser, error) {
	encodings := strings.Split(encoding, ",")
	r := io.NopCloser(body)
	for i := len(encodings) - 1; i >= 0; i-- {
		enc := strings.ToLower(strings.TrimSpace(encodings[i]))
		var err error
		switch enc {
		case "", "identity":
			continue
		case "gzip", "x-gzip":
			r, err = gzipReader(r)
		case "deflate":
			r, err = deflateReader(r)
		case "br":
			r = io.NopCloser(brotli.NewReader(r))
		default:
			return nil, fmt.Errorf("unsupported content encoding %q", enc)
		}
		if err != nil {
			return nil, fmt.Errorf("%s decoder: %w", enc, err)
		}
	}
	return r, nil
}

func gzipReader(r io.Reader) (io.ReadCloser, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	return zr, nil
}

// deflateReader accepts both zlib-wrapped and raw deflate streams; servers
// disagree on which one "deflate" means.
func deflateReader(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	header, err := br.Peek(2)
	if err == nil && isZlibHeader(header) {
		return zlib.NewReader(br)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return flate.NewReader(br), nil
}

func isZlibHeader(h []byte) bool {
	// CM must be 8 (deflate) and the header checksum must hold.
	return h[0]&0x0f == 8 && (uint16(h[0])<<8|uint16(h[1]))%31 == 0
}
