// ABOUTME: Track provider backed by a local directory of WAV, MP3, FLAC and Opus files
// ABOUTME: Search matches query words against relative paths and rotates through results
package provider

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Resonate-Protocol/chanrelay/internal/channel"
	"github.com/rs/zerolog"
)

var supportedExts = map[string]bool{".wav": true, ".mp3": true, ".flac": true, ".opus": true}

// Queries that match every file
var wildcardQueries = map[string]bool{"": true, "*": true, "lobby": true}

// LibraryConfig configures a directory provider
type LibraryConfig struct {
	Dir    string
	Format Format
	Logger zerolog.Logger
}

// Library serves files under a directory. The directory is rescanned on
// every search so files can be added while the server runs.
type Library struct {
	dir    string
	format Format
	logger zerolog.Logger

	mu     sync.Mutex
	cursor map[string]int // per query, where the next search starts
}

// NewLibrary validates the directory and creates the provider
func NewLibrary(cfg LibraryConfig) (*Library, error) {
	info, err := os.Stat(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open library: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("library path %s is not a directory", cfg.Dir)
	}

	return &Library{
		dir:    cfg.Dir,
		format: cfg.Format.withDefaults(),
		logger: cfg.Logger.With().Str("provider", "library").Logger(),
		cursor: make(map[string]int),
	}, nil
}

// Search returns up to count tracks whose path contains every query word
func (l *Library) Search(ctx context.Context, query string, count int) ([]channel.Track, error) {
	all, err := l.scan(ctx)
	if err != nil {
		return nil, err
	}

	q := strings.ToLower(strings.TrimSpace(query))
	var matches []channel.Track
	for _, t := range all {
		if matchesQuery(t.ID, q) {
			matches = append(matches, t)
		}
	}
	if len(matches) == 0 || count <= 0 {
		return nil, nil
	}

	l.mu.Lock()
	start := l.cursor[q] % len(matches)
	l.cursor[q] = start + count
	l.mu.Unlock()

	n := min(count, len(matches))
	out := make([]channel.Track, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, matches[(start+i)%len(matches)])
	}

	l.logger.Debug().Str("query", query).Int("matches", len(matches)).Int("returned", n).Msg("library search")
	return out, nil
}

// Materialize opens the file as s16le PCM
func (l *Library) Materialize(ctx context.Context, track channel.Track) (channel.Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src, _, err := openFile(track.Location, l.format)
	if err != nil {
		return nil, err
	}
	return src, nil
}

func (l *Library) scan(ctx context.Context) ([]channel.Track, error) {
	var tracks []channel.Track

	err := filepath.WalkDir(l.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("skipping unreadable path")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !supportedExts[extOf(path)] {
			return nil
		}

		rel, err := filepath.Rel(l.dir, path)
		if err != nil {
			rel = filepath.Base(path)
		}

		header := 0
		if extOf(path) == ".wav" {
			header = WAVHeaderSize
		}

		tracks = append(tracks, channel.Track{
			ID:         filepath.ToSlash(rel),
			Title:      strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
			Location:   path,
			HeaderSize: header,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan library: %w", err)
	}

	sort.Slice(tracks, func(i, j int) bool { return tracks[i].ID < tracks[j].ID })
	return tracks, nil
}

func matchesQuery(id, q string) bool {
	if wildcardQueries[q] {
		return true
	}
	name := strings.ToLower(strings.TrimSuffix(id, filepath.Ext(id)))
	for _, word := range strings.Fields(q) {
		if !strings.Contains(name, word) {
			return false
		}
	}
	return true
}

func extOf(path string) string {
	return strings.ToLower(filepath.Ext(path))
}
