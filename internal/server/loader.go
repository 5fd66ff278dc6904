// ABOUTME: Provider work run off the event loop
// ABOUTME: Searches and opens happen on goroutines; results come back as loop events
package server

import (
	"fmt"

	"github.com/Resonate-Protocol/chanrelay/internal/channel"
	"github.com/Resonate-Protocol/chanrelay/internal/protocol"
)

type loadKind int

const (
	loadInitial loadKind = iota // first fill, or a retry of a channel with nothing open
	loadRequest                 // C_REQ retarget
	loadRefill                  // queue top-up behind the current track
)

func (k loadKind) String() string {
	switch k {
	case loadInitial:
		return "initial"
	case loadRequest:
		return "request"
	default:
		return "refill"
	}
}

// loadJob travels to a goroutine and back to the loop as an eventLoaded
type loadJob struct {
	kind    loadKind
	channel *channel.Channel
	query   string

	// requester, for loadRequest
	sessionID string
	username  string

	prepared *channel.Prepared
	tracks   []channel.Track
	err      error
}

// schedule starts whatever provider work ch needs and reports whether
// ch has a source to pull from this tick
func (s *Server) schedule(ch *channel.Channel) bool {
	name := ch.Name()
	switch {
	case s.loading[name]:
		return ch.Playing()
	case ch.NeedsLoad():
		s.startLoad(&loadJob{kind: loadInitial, channel: ch, query: ch.Query()})
		return false
	}

	if ch.NeedsRefill() && !s.refills[name] {
		s.startLoad(&loadJob{kind: loadRefill, channel: ch, query: ch.Query()})
	}
	return true
}

// startLoad runs job's provider calls on a goroutine. The channel is only
// touched again when the result is handled on the loop.
func (s *Server) startLoad(job *loadJob) {
	name := job.channel.Name()
	if job.kind == loadRefill {
		s.refills[name] = true
	} else {
		s.loading[name] = true
	}
	s.logger.Debug().Str("channel", name).Str("kind", job.kind.String()).Str("query", job.query).Msg("load started")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if job.kind == loadRefill {
			job.tracks, job.err = job.channel.Search(s.loadCtx, job.query)
		} else {
			job.prepared, job.err = job.channel.Prepare(s.loadCtx, job.query)
		}

		select {
		case s.events <- event{kind: eventLoaded, load: job}:
		case <-s.quit:
			job.prepared.Close()
		}
	}()
}

// finishLoad applies a completed job on the loop
func (s *Server) finishLoad(job *loadJob) {
	ch := job.channel
	name := ch.Name()

	if job.kind == loadRefill {
		delete(s.refills, name)
		ch.Enqueue(job.query, job.tracks)
		return
	}
	delete(s.loading, name)

	if job.err != nil {
		if job.kind == loadRequest {
			s.logger.Info().Err(job.err).Str("channel", name).Str("query", job.query).Msg("request found nothing")
			if sess, ok := s.registry.Session(job.sessionID); ok {
				s.notify(sess, protocol.ServerError{Reason: fmt.Sprintf("nothing found for %q", job.query)})
			}
			return
		}
		ch.Backoff()
		s.logger.Warn().Err(job.err).Str("channel", name).Msg("load failed, will retry")
		return
	}

	ch.Install(job.prepared)
	if job.kind == loadRequest {
		s.sendToChannel(name, protocol.ServerChat{Text: fmt.Sprintf("* %s requested %q", job.username, job.query)})
	}
}
