// ABOUTME: Track Provider contract consumed by channels
// ABOUTME: Search returns track handles, Materialize opens raw PCM for one of them
package channel

import (
	"context"
	"io"
)

// Track is a handle to a playable item. Only the provider interprets Location.
type Track struct {
	ID       string
	Title    string
	Location string

	// HeaderSize bytes are skipped when the source is opened (44 for WAV)
	HeaderSize int
}

// Source yields raw PCM bytes in the server's stream format
type Source interface {
	io.ReadCloser
}

// TrackProvider supplies content for a channel's query
type TrackProvider interface {
	Search(ctx context.Context, query string, count int) ([]Track, error)
	Materialize(ctx context.Context, track Track) (Source, error)
}
