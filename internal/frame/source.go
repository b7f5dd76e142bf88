package frame

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

// ErrClosed is returned by Source.Read once the source has been closed.
var ErrClosed = errors.New("frame: source closed")

// Source produces frames from one opened stream.
//
// Read blocks until a frame is available or the stream fails. Close may be
// called from any goroutine, at any time and more than once; a Read blocked
// at that moment returns ErrClosed promptly instead of waiting on the network.
type Source interface {
	Read() (Frame, error)
	Close() error
}

// Opener connects to a stream URI. Open failures are reported as *OpenError.
type Opener interface {
	Open(ctx context.Context, uri string) (Source, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, uri string) (Source, error)

// Open calls fn(ctx, uri).
func (fn OpenerFunc) Open(ctx context.Context, uri string) (Source, error) {
	return fn(ctx, uri)
}

// OpenError reports that a stream could not be opened.
type OpenError struct {
	URI string
	Err error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("failed to open camera stream %s: %v", Redact(e.URI), e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// ReadError reports that an opened stream stopped delivering frames.
type ReadError struct {
	Err error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("failed to read frame: %v", e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// Redact strips credentials from a stream URI so it can be logged.
func Redact(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.User == nil {
		return uri
	}
	u.User = url.User("xxx")
	return u.String()
}
