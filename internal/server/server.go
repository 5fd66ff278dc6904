// ABOUTME: Main relay server: single event loop owning channels and sessions
// ABOUTME: Each tick fans one frame per channel out, then drains network and operator events
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Resonate-Protocol/chanrelay/internal/channel"
	"github.com/Resonate-Protocol/chanrelay/internal/discovery"
	"github.com/Resonate-Protocol/chanrelay/internal/protocol"
	"github.com/Resonate-Protocol/chanrelay/internal/registry"
	"github.com/Resonate-Protocol/chanrelay/internal/transport"
	"github.com/Resonate-Protocol/chanrelay/internal/version"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	eventQueueSize   = 1024
	maxEventsPerTick = 512
	tuiInterval      = 250 * time.Millisecond
	shutdownTimeout  = 5 * time.Second
)

// Server represents the relay server
type Server struct {
	config   Config
	serverID string
	logger   zerolog.Logger

	registry *registry.Registry
	channels []*channel.Channel // lobby first, then creation order
	byName   map[string]*channel.Channel
	peers    map[string]*peer
	events   chan event
	loading  map[string]bool // channels with a load or request in flight
	refills  map[string]bool // channels with a queue top-up in flight
	interval time.Duration
	ticks    uint64

	listener   *transport.Listener
	httpServer *http.Server
	upgrader   *websocket.Upgrader
	mdns       *discovery.Manager
	tui        *ServerTUI

	port     int
	httpPort int

	snapshot      atomic.Pointer[Snapshot]
	startTime     time.Time
	lastTUIUpdate time.Time

	loadCtx     context.Context // cancelled at shutdown to abandon provider work
	cancelLoads context.CancelFunc

	stopChan chan struct{}
	stopOnce sync.Once
	ready    chan struct{} // closed once the listeners are bound
	quit     chan struct{} // closed when the loop has finished
	wg       sync.WaitGroup
}

// New creates a server with the lobby and one channel per seed. Channels
// are loaded when Run starts.
func New(config Config) (*Server, error) {
	config = config.withDefaults()
	if config.Provider == nil {
		return nil, errors.New("a track provider is required")
	}

	s := &Server{
		config:    config,
		serverID:  uuid.New().String(),
		logger:    config.Logger.With().Str("component", "server").Logger(),
		byName:    make(map[string]*channel.Channel),
		peers:     make(map[string]*peer),
		events:    make(chan event, eventQueueSize),
		loading:   make(map[string]bool),
		refills:   make(map[string]bool),
		interval:  config.Format.FrameDuration(config.FrameSize),
		upgrader:  transport.NewUpgrader(),
		port:      config.Port,
		httpPort:  config.HTTPPort,
		startTime: time.Now(),
		stopChan:  make(chan struct{}),
		ready:     make(chan struct{}),
		quit:      make(chan struct{}),
	}
	if s.interval <= 0 {
		return nil, fmt.Errorf("invalid stream format %s", config.Format)
	}
	s.loadCtx, s.cancelLoads = context.WithCancel(context.Background())

	lobby := s.addChannel(DefaultLobby, config.LobbyQuery)
	s.registry = registry.New(lobby, config.Logger.With().Str("component", "registry").Logger())

	for _, name := range config.Seeds {
		if len(s.channels) >= config.MaxChannels {
			s.logger.Warn().Int("max", config.MaxChannels).Msg("channel limit reached, ignoring remaining seeds")
			break
		}
		if _, ok := s.byName[name]; ok {
			continue
		}
		s.addChannel(name, name)
	}

	s.publish()
	return s, nil
}

func (s *Server) addChannel(name, query string) *channel.Channel {
	ch := channel.New(name, s.config.Provider, channel.Options{
		Query:     query,
		FrameSize: s.config.FrameSize,
		Logger:    s.config.Logger.With().Str("component", "channel").Logger(),
	})
	s.channels = append(s.channels, ch)
	s.byName[name] = ch
	return ch
}

// Run binds the listeners and runs the event loop until ctx is cancelled,
// Stop is called or the TUI quits. Channels start loading on the first tick.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	ln, err := transport.Listen(addr, s.config.MaxFrameSize)
	if err != nil {
		return err
	}
	s.listener = ln
	s.port = ln.Port()

	var httpLn net.Listener
	if s.config.HTTPPort > 0 {
		httpLn, err = net.Listen("tcp", net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.HTTPPort)))
		if err != nil {
			ln.Close()
			return fmt.Errorf("failed to listen for HTTP: %w", err)
		}
		s.httpPort = httpLn.Addr().(*net.TCPAddr).Port
	}

	close(s.ready)

	s.logger.Info().
		Str("name", s.config.Name).
		Str("id", s.serverID).
		Int("port", s.port).
		Int("http_port", s.httpPort).
		Str("format", s.config.Format.String()).
		Dur("interval", s.interval).
		Msg("server starting")

	s.wg.Add(1)
	go s.acceptLoop()

	if httpLn != nil {
		gin.SetMode(gin.ReleaseMode)
		s.httpServer = &http.Server{Handler: s.router()}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error().Err(err).Msg("HTTP server failed")
			}
		}()
	}

	if s.config.EnableMDNS {
		s.mdns = discovery.NewManager(discovery.Config{
			ServiceName:   s.config.Name,
			Port:          s.port,
			HTTPPort:      s.httpPort,
			Version:       version.Version,
			WebSocketPath: transport.DefaultWebSocketPath,
			Logger:        s.config.Logger,
		})
		if err := s.mdns.Advertise(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to start mDNS advertisement")
		}
	}

	var tuiQuit <-chan struct{}
	if s.config.UseTUI {
		s.tui = NewServerTUI()
		tuiQuit = s.tui.QuitChan()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.tui.Start(s.Snapshot()); err != nil {
				s.logger.Error().Err(err).Msg("TUI failed")
			}
		}()
	}

	if s.config.Commands != nil {
		go s.readCommands(s.config.Commands)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("context cancelled, shutting down")
			break loop
		case <-s.stopChan:
			s.logger.Info().Msg("server shutting down")
			break loop
		case <-tuiQuit:
			s.logger.Info().Msg("TUI quit requested, shutting down")
			break loop
		case <-ticker.C:
			s.tick(ctx)
		}
	}

	s.shutdown()
	return nil
}

// Stop asks the loop to finish its current tick and shut down
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
}

// Ready is closed once Run has bound its listeners
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Port returns the bound TCP port; valid after Ready is closed
func (s *Server) Port() int { return s.port }

// HTTPPort returns the bound HTTP port, 0 when disabled; valid after Ready is closed
func (s *Server) HTTPPort() int { return s.httpPort }

// tick is one iteration of the loop: audio out, then events in
func (s *Server) tick(ctx context.Context) {
	s.ticks++
	s.broadcastAudio(ctx)
	s.drainEvents()
	s.publish()
}

// broadcastAudio pulls one frame per channel, encodes it once and queues it
// on every member's audio connection
func (s *Server) broadcastAudio(ctx context.Context) {
	for _, ch := range s.channels {
		if !s.schedule(ch) {
			continue
		}
		data, err := ch.PullNextFrame(ctx)
		if err != nil {
			s.logger.Debug().Err(err).Str("channel", ch.Name()).Msg("no frame this tick")
			continue
		}

		frame, err := protocol.Encode(protocol.Audio{Data: data})
		if err != nil {
			s.logger.Error().Err(err).Str("channel", ch.Name()).Msg("failed to encode audio frame")
			continue
		}

		for _, id := range ch.Members() {
			sess, ok := s.registry.Session(id)
			if !ok {
				continue
			}
			if err := s.sendFrame(sess.Audio, frame); err != nil {
				s.logger.Warn().Err(err).Str("username", sess.Username).Msg("audio send failed, dropping session")
				s.dropSession(sess)
			}
		}
	}
}

// drainEvents is the zero-timeout poll: it handles what is ready and returns
func (s *Server) drainEvents() {
	for i := 0; i < maxEventsPerTick; i++ {
		select {
		case ev := <-s.events:
			s.handleEvent(ev)
		default:
			return
		}
	}
}

func (s *Server) handleEvent(ev event) {
	switch ev.kind {
	case eventAccept:
		s.accept(ev.peer)

	case eventFrame:
		if _, live := s.peers[ev.peer.id]; !live {
			return
		}
		s.dispatch(ev.peer, ev.msg)

	case eventMalformed:
		ev.peer.logger.Warn().Err(ev.err).Msg("dropping malformed frame")

	case eventClosed:
		if _, live := s.peers[ev.peer.id]; !live {
			return
		}
		ev.peer.logger.Info().Err(ev.err).Msg("connection closed")
		if sess := s.registry.Forget(ev.peer); sess != nil {
			s.releasePeers(sess)
		}
		delete(s.peers, ev.peer.id)
		ev.peer.Close()

	case eventCommand:
		s.handleCommand(ev.command)

	case eventLoaded:
		s.finishLoad(ev.load)
	}
}

// accept registers a new connection, starts its goroutines and sends S_INIT
func (s *Server) accept(p *peer) {
	s.peers[p.id] = p
	s.registry.Track(p)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		p.readLoop(s.events, s.quit)
	}()
	go func() {
		defer s.wg.Done()
		p.writeLoop()
	}()

	p.logger.Info().Msg("connection accepted")

	init := protocol.ServerInit{
		Channels:     s.channelNames(),
		Users:        s.registry.Usernames(),
		FrameSize:    s.config.FrameSize,
		SampleRate:   s.config.Format.SampleRate,
		ChannelCount: s.config.Format.Channels,
	}
	if err := p.Send(init); err != nil {
		p.logger.Warn().Err(err).Msg("failed to send S_INIT")
		s.registry.Forget(p)
		delete(s.peers, p.id)
		p.Close()
	}
}

// submit hands a new connection to the loop
func (s *Server) submit(conn transport.Conn) {
	p := newPeer(conn, s.config.SendQueue, s.logger)
	select {
	case s.events <- event{kind: eventAccept, peer: p}:
	case <-s.quit:
		conn.Close()
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn().Err(err).Msg("accept failed")
			time.Sleep(100 * time.Millisecond)
			continue
		}
		s.submit(conn)
	}
}

// sendFrame queues a pre-encoded frame when the connection supports it
func (s *Server) sendFrame(conn registry.Conn, frame []byte) error {
	if p, ok := conn.(*peer); ok {
		return p.SendFrame(frame)
	}
	msg, err := protocol.Decode(frame)
	if err != nil {
		return err
	}
	return conn.Send(msg)
}

// notify sends a control message and drops the session if it cannot be queued
func (s *Server) notify(sess *registry.Session, msg protocol.Message) {
	if err := sess.Notify(msg); err != nil {
		s.logger.Warn().Err(err).Str("username", sess.Username).Msg("control send failed, dropping session")
		s.dropSession(sess)
	}
}

func (s *Server) dropSession(sess *registry.Session) {
	if s.registry.RemoveSession(sess) {
		s.releasePeers(sess)
	}
}

func (s *Server) releasePeers(sess *registry.Session) {
	delete(s.peers, sess.Control.ID())
	delete(s.peers, sess.Audio.ID())
}

func (s *Server) channelNames() []string {
	names := make([]string, len(s.channels))
	for i, ch := range s.channels {
		names[i] = ch.Name()
	}
	return names
}

// Submit queues an operator command for the loop
func (s *Server) Submit(command string) {
	select {
	case s.events <- event{kind: eventCommand, command: command}:
	case <-s.quit:
	}
}

func (s *Server) readCommands(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		s.Submit(line)
	}
}

func (s *Server) handleCommand(line string) {
	cmd, _, _ := strings.Cut(strings.TrimSpace(line), " ")
	switch strings.ToLower(cmd) {
	case "quit", "exit":
		s.logger.Info().Msg("operator requested shutdown")
		s.Stop()
	case "channels":
		for _, ch := range s.channels {
			s.logger.Info().
				Str("channel", ch.Name()).
				Str("query", ch.Query()).
				Str("now_playing", ch.NowPlaying()).
				Int("members", ch.Len()).
				Msg("channel")
		}
	case "users":
		for _, sess := range s.registry.Sessions() {
			s.logger.Info().
				Str("username", sess.Username).
				Str("channel", sess.ChannelName()).
				Time("joined", sess.JoinedAt).
				Msg("user")
		}
		s.logger.Info().Int("users", s.registry.Len()).Int("pending", s.registry.PendingCount()).Msg("user count")
	default:
		s.logger.Warn().Str("command", line).Msg("unknown command (try quit, channels, users)")
	}
}

// shutdown closes everything the loop owns. Only called from Run.
func (s *Server) shutdown() {
	close(s.quit)
	s.cancelLoads()

	if s.tui != nil {
		s.tui.Stop()
	}
	if s.mdns != nil {
		s.mdns.Stop()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("HTTP server shutdown error")
		}
		cancel()
	}

	for _, sess := range s.registry.Sessions() {
		s.registry.RemoveSession(sess)
	}
	for _, p := range s.peers {
		s.registry.Forget(p)
		p.Close()
	}
	s.peers = make(map[string]*peer)

	for _, ch := range s.channels {
		ch.Close()
	}

	s.wg.Wait()
	s.discardQueued()
	s.logger.Info().Uint64("ticks", s.ticks).Msg("server stopped cleanly")
}

// discardQueued closes connections and sources whose events never ran
func (s *Server) discardQueued() {
	for {
		select {
		case ev := <-s.events:
			switch ev.kind {
			case eventAccept:
				ev.peer.Close()
			case eventLoaded:
				ev.load.prepared.Close()
			}
		default:
			return
		}
	}
}
