// ABOUTME: Named rotating audio source shared by a set of sessions
// ABOUTME: Produces fixed-size frames, refilling from a Track Provider as tracks run out
package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultFrameSize     = 4096
	DefaultRefillCount   = 3
	DefaultRefillTimeout = 30 * time.Second
	DefaultRetryInterval = 5 * time.Second

	// Bounds track switches inside one frame so empty tracks cannot spin the loop
	maxAdvancesPerFrame = 8

	// Bounds open attempts in one advance
	maxOpenAttempts = 16
)

var (
	ErrProviderExhausted = errors.New("provider returned no tracks")
	ErrNoSource          = errors.New("channel has no open source")
)

// Options configures frame production
type Options struct {
	Query         string // initial search query, defaults to the name
	FrameSize     int
	RefillCount   int
	RefillTimeout time.Duration
	RetryInterval time.Duration
	Logger        zerolog.Logger
}

// Channel owns a track queue, the open source and its member set.
// It is not safe for concurrent use; the server event loop owns it.
type Channel struct {
	name     string
	query    string
	provider TrackProvider
	opts     Options
	logger   zerolog.Logger

	queue    []Track
	current  *Track
	source   Source
	retryAt  time.Time // no open before this after a failed load
	refillAt time.Time // no search before this after an empty refill

	members map[string]struct{}

	now func() time.Time
}

// New creates a channel. Unless opts.Query is set the initial query is its name.
func New(name string, provider TrackProvider, opts Options) *Channel {
	if opts.Query == "" {
		opts.Query = name
	}
	if opts.FrameSize <= 0 {
		opts.FrameSize = DefaultFrameSize
	}
	if opts.RefillCount <= 0 {
		opts.RefillCount = DefaultRefillCount
	}
	if opts.RefillTimeout <= 0 {
		opts.RefillTimeout = DefaultRefillTimeout
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}

	return &Channel{
		name:     name,
		query:    opts.Query,
		provider: provider,
		opts:     opts,
		logger:   opts.Logger.With().Str("channel", name).Logger(),
		members:  make(map[string]struct{}),
		now:      time.Now,
	}
}

// Name returns the channel's fixed name
func (c *Channel) Name() string { return c.name }

// Query returns the search query used for refills
func (c *Channel) Query() string { return c.query }

// Playing reports whether a track is open
func (c *Channel) Playing() bool { return c.source != nil }

// NowPlaying returns the title of the open track, or "" if none
func (c *Channel) NowPlaying() string {
	if c.current == nil || c.source == nil {
		return ""
	}
	return c.current.Title
}

// Queued returns the number of tracks waiting behind the current one
func (c *Channel) Queued() int { return len(c.queue) }

// Load performs the first fill and opens the first track on the calling
// goroutine
func (c *Channel) Load(ctx context.Context) error {
	p, err := c.Prepare(ctx, c.query)
	if err != nil {
		c.Backoff()
		return err
	}
	c.Install(p)
	return nil
}

// PullNextFrame returns exactly FrameSize bytes, spanning track boundaries
// as needed. It returns ErrNoSource only when no track can be opened at all.
func (c *Channel) PullNextFrame(ctx context.Context) ([]byte, error) {
	if c.source == nil {
		if c.now().Before(c.retryAt) {
			return nil, ErrNoSource
		}
		if err := c.advance(ctx); err != nil {
			c.retryAt = c.now().Add(c.opts.RetryInterval)
			return nil, fmt.Errorf("%w: %v", ErrNoSource, err)
		}
	}

	frame := make([]byte, c.opts.FrameSize)
	filled := 0

	for advances := 0; ; advances++ {
		n, err := io.ReadFull(c.source, frame[filled:])
		filled += n
		if err == nil {
			return frame, nil
		}
		if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			c.logger.Warn().Err(err).Str("track", c.current.Title).Msg("track read failed, skipping")
		}

		if advances >= maxAdvancesPerFrame {
			c.closeSource()
			c.retryAt = c.now().Add(c.opts.RetryInterval)
			return nil, fmt.Errorf("%w: no track produced audio after %d switches", ErrNoSource, advances)
		}
		if err := c.advance(ctx); err != nil {
			c.retryAt = c.now().Add(c.opts.RetryInterval)
			return nil, fmt.Errorf("%w: %v", ErrNoSource, err)
		}
	}
}

// Retarget replaces the query, drops the queue and switches to the first
// result on the calling goroutine. On an empty search the current track
// and query are kept and ErrProviderExhausted is returned.
func (c *Channel) Retarget(ctx context.Context, query string) error {
	p, err := c.Prepare(ctx, query)
	if err != nil {
		return err
	}
	c.Install(p)
	return nil
}

// Prepared is a search result with its first playable track already open
type Prepared struct {
	Query  string
	Track  Track
	Source Source
	Queue  []Track // the rest of the result, in order
}

// Close releases a result that will not be installed
func (p *Prepared) Close() error {
	if p == nil || p.Source == nil {
		return nil
	}
	return p.Source.Close()
}

// Prepare searches for query and opens the first result that can be
// opened. It reads no channel state, so it may run off the loop while
// the channel keeps playing.
func (c *Channel) Prepare(ctx context.Context, query string) (*Prepared, error) {
	tracks, err := c.Search(ctx, query)
	if err != nil {
		return nil, err
	}

	for i, track := range tracks {
		if i >= maxOpenAttempts {
			break
		}
		src, err := c.open(ctx, track)
		if err != nil {
			c.logger.Warn().Err(err).Str("track", track.Title).Msg("failed to open track")
			continue
		}
		return &Prepared{
			Query:  query,
			Track:  track,
			Source: src,
			Queue:  append([]Track(nil), tracks[i+1:]...),
		}, nil
	}
	return nil, fmt.Errorf("%w: no result for %q could be opened", ErrProviderExhausted, query)
}

// Install switches to a prepared result, replacing the query, the queue
// and the open source. This is how a request retargets a channel: the
// name stays, the old queue is dropped.
func (c *Channel) Install(p *Prepared) {
	if p.Query != c.query {
		c.logger.Info().Str("from", c.query).Str("to", p.Query).Msg("retargeting channel")
	}
	c.closeSource()

	track := p.Track
	c.query = p.Query
	c.queue = p.Queue
	c.current = &track
	c.source = p.Source
	c.retryAt = time.Time{}
	c.refillAt = time.Time{}
	c.logger.Info().Str("track", track.Title).Int("queued", len(c.queue)).Msg("now playing")
}

// Search asks the provider for the next batch under query. Like Prepare
// it may run off the loop.
func (c *Channel) Search(ctx context.Context, query string) ([]Track, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RefillTimeout)
	defer cancel()

	tracks, err := c.provider.Search(ctx, query, c.opts.RefillCount)
	if err != nil {
		c.logger.Warn().Err(err).Str("query", query).Msg("track search failed")
		return nil, fmt.Errorf("%w: %v", ErrProviderExhausted, err)
	}
	if len(tracks) == 0 {
		return nil, ErrProviderExhausted
	}
	return tracks, nil
}

// Enqueue appends a search result fetched ahead of need. Results for a
// query the channel has since moved away from are dropped.
func (c *Channel) Enqueue(query string, tracks []Track) bool {
	if query != c.query {
		return false
	}
	if len(tracks) == 0 {
		c.refillAt = c.now().Add(c.opts.RetryInterval)
		return false
	}
	c.queue = append(c.queue, tracks...)
	c.logger.Debug().Str("query", query).Int("found", len(tracks)).Msg("queue topped up")
	return true
}

// NeedsLoad reports a channel with nothing open whose retry time has come
func (c *Channel) NeedsLoad() bool {
	return c.source == nil && !c.now().Before(c.retryAt)
}

// NeedsRefill reports a playing channel with nothing queued behind the
// current track
func (c *Channel) NeedsRefill() bool {
	return c.source != nil && len(c.queue) == 0 && !c.now().Before(c.refillAt)
}

// Backoff defers the next load attempt after one failed off the loop
func (c *Channel) Backoff() {
	c.retryAt = c.now().Add(c.opts.RetryInterval)
}

// Add puts a session into the member set; it reports whether it was new
func (c *Channel) Add(id string) bool {
	if _, ok := c.members[id]; ok {
		return false
	}
	c.members[id] = struct{}{}
	return true
}

// Remove drops a session from the member set; it reports whether it was present
func (c *Channel) Remove(id string) bool {
	if _, ok := c.members[id]; !ok {
		return false
	}
	delete(c.members, id)
	return true
}

// Has reports membership
func (c *Channel) Has(id string) bool {
	_, ok := c.members[id]
	return ok
}

// Members returns member session IDs in sorted order
func (c *Channel) Members() []string {
	ids := make([]string, 0, len(c.members))
	for id := range c.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the member count
func (c *Channel) Len() int { return len(c.members) }

// Close releases the open source
func (c *Channel) Close() error {
	return c.closeSource()
}

// advance closes the current source and opens the next playable track.
// An empty queue triggers a refill; if that yields nothing the current
// track is rotated to the back and reopened.
func (c *Channel) advance(ctx context.Context) error {
	c.closeSource()

	for i := 0; i < maxOpenAttempts; i++ {
		if len(c.queue) == 0 {
			if err := c.refill(ctx); err != nil {
				if c.current == nil {
					return err
				}
				c.logger.Debug().Str("track", c.current.Title).Msg("refill empty, rotating current track")
				c.queue = append(c.queue, *c.current)
			}
		}

		next := c.queue[0]
		c.queue = c.queue[1:]

		src, err := c.open(ctx, next)
		if err != nil {
			c.logger.Warn().Err(err).Str("track", next.Title).Msg("failed to open track")
			if c.current != nil && c.current.ID == next.ID {
				c.current = nil
			}
			continue
		}

		c.current = &next
		c.source = src
		c.logger.Info().Str("track", next.Title).Int("queued", len(c.queue)).Msg("now playing")
		return nil
	}

	return fmt.Errorf("%w: no queued track could be opened", ErrProviderExhausted)
}

func (c *Channel) refill(ctx context.Context) error {
	if c.now().Before(c.refillAt) {
		return ErrProviderExhausted
	}

	tracks, err := c.Search(ctx, c.query)
	if err != nil {
		c.refillAt = c.now().Add(c.opts.RetryInterval)
		return err
	}

	c.queue = append(c.queue, tracks...)
	c.logger.Debug().Str("query", c.query).Int("found", len(tracks)).Msg("queue refilled")
	return nil
}

// open materializes a track and skips its header. Streaming sources may
// live as long as ctx, so no timeout is applied here.
func (c *Channel) open(ctx context.Context, track Track) (Source, error) {
	src, err := c.provider.Materialize(ctx, track)
	if err != nil {
		return nil, err
	}

	if track.HeaderSize > 0 {
		if _, err := io.CopyN(io.Discard, src, int64(track.HeaderSize)); err != nil && !errors.Is(err, io.EOF) {
			src.Close()
			return nil, fmt.Errorf("failed to skip header: %w", err)
		}
	}
	return src, nil
}

func (c *Channel) closeSource() error {
	if c.source == nil {
		return nil
	}
	err := c.source.Close()
	c.source = nil
	return err
}
