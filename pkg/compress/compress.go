// Package compress implements the substrate's per-MIME compression pipeline.
//
// Algorithm selection is a pure function of (contentType, size); the codec
// stores the chosen algorithm code in the envelope header so decompression
// never has to guess.
package compress

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

// Algorithm is the wire-level compression code.
type Algorithm uint8

const (
	AlgorithmNone   Algorithm = 0
	AlgorithmGzip   Algorithm = 1
	AlgorithmBrotli Algorithm = 2
	AlgorithmZstd   Algorithm = 3
)

// ErrDecompressionFailed wraps any corrupt-input failure during Decompress.
var ErrDecompressionFailed = errors.New("Decompression failed")

// minCompressSize is the payload size below which compression never pays off.
const minCompressSize = 256

func (a Algorithm) String() string {
	switch a {
	case AlgorithmNone:
		return "none"
	case AlgorithmGzip:
		return "gzip"
	case AlgorithmBrotli:
		return "brotli"
	case AlgorithmZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// Select picks the algorithm for a payload of the given MIME type and size.
func Select(contentType string, size int) Algorithm {
	if size < minCompressSize {
		return AlgorithmNone
	}
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}

	switch {
	case alreadyCompressed(ct):
		return AlgorithmNone
	case strings.HasPrefix(ct, "text/"),
		ct == "application/json",
		strings.HasSuffix(ct, "/xml"),
		strings.HasSuffix(ct, "+xml"),
		strings.HasSuffix(ct, "+json"):
		return AlgorithmBrotli
	case strings.HasPrefix(ct, "application/"), ct == "":
		return AlgorithmGzip
	default:
		return AlgorithmGzip
	}
}

// alreadyCompressed reports MIME types whose payloads are already entropy
// coded and not worth recompressing.
func alreadyCompressed(ct string) bool {
	if strings.HasPrefix(ct, "image/") ||
		strings.HasPrefix(ct, "video/") ||
		strings.HasPrefix(ct, "audio/") {
		return true
	}
	switch ct {
	case "application/zip",
		"application/gzip",
		"application/x-gzip",
		"application/x-7z-compressed",
		"application/x-rar-compressed",
		"application/x-tar+gzip",
		"application/zstd":
		return true
	}
	return false
}

// Result is the outcome of a Compress call.
type Result struct {
	Data      []byte
	Algorithm Algorithm
	Original  int
}

// Compress applies the selected algorithm for contentType to data.
// If the compressed form is not smaller than the input, it falls back to
// AlgorithmNone and returns the original bytes.
func Compress(data []byte, contentType string) (*Result, error) {
	algo := Select(contentType, len(data))
	if algo == AlgorithmNone {
		return &Result{Data: data, Algorithm: AlgorithmNone, Original: len(data)}, nil
	}

	compressed, err := encode(data, algo)
	if err != nil {
		return nil, fmt.Errorf("compress %s: %w", algo, err)
	}
	if len(compressed) >= len(data) {
		// Expansion; store uncompressed.
		return &Result{Data: data, Algorithm: AlgorithmNone, Original: len(data)}, nil
	}
	return &Result{Data: compressed, Algorithm: algo, Original: len(data)}, nil
}

// Decompress reverses Compress using the algorithm code stored in the
// envelope. Corrupt input returns ErrDecompressionFailed.
func Decompress(data []byte, algo Algorithm) ([]byte, error) {
	switch algo {
	case AlgorithmNone:
		return data, nil
	case AlgorithmGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecompressionFailed, err)
		}
		defer func() { _ = r.Close() }()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecompressionFailed, err)
		}
		return out, nil
	case AlgorithmBrotli:
		out, err := io.ReadAll(brotli.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecompressionFailed, err)
		}
		return out, nil
	case AlgorithmZstd:
		dec, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecompressionFailed, err)
		}
		defer dec.Close()
		out, err := io.ReadAll(dec.IOReadCloser())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecompressionFailed, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown algorithm %d", ErrDecompressionFailed, algo)
	}
}

func encode(data []byte, algo Algorithm) ([]byte, error) {
	var buf bytes.Buffer
	switch algo {
	case AlgorithmGzip:
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case AlgorithmBrotli:
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case AlgorithmZstd:
		w, err := zstd.NewWriter(&buf)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported algorithm %d", algo)
	}
	return buf.Bytes(), nil
}
