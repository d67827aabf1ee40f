package bootload

import (
	"io"
	"os"
)

// HexSource is the sum type `HexSource ∈ {Path(p), Stream(reader)}`
// from the design notes in spec.md §9: Start accepts either a file
// path or an already-opened byte stream, and the engine opens and
// line-splits both uniformly.
type HexSource interface {
	open() (io.ReadCloser, error)
}

// PathSource reads the HEX image from a file path.
type PathSource string

func (p PathSource) open() (io.ReadCloser, error) {
	return os.Open(string(p))
}

// StreamSource reads the HEX image from an already-open reader. If r
// also implements io.Closer it is closed once IMPORTING has finished
// reading it; otherwise it is left open for the caller to manage.
type StreamSource struct {
	Reader io.Reader
}

func (s StreamSource) open() (io.ReadCloser, error) {
	if rc, ok := s.Reader.(io.ReadCloser); ok {
		return rc, nil
	}
	return io.NopCloser(s.Reader), nil
}
