// ABOUTME: Entry point for the chanrelay server
// ABOUTME: Parses flags, picks a track provider and seeds, then runs the relay
package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/Resonate-Protocol/chanrelay/internal/channel"
	"github.com/Resonate-Protocol/chanrelay/internal/logging"
	"github.com/Resonate-Protocol/chanrelay/internal/provider"
	"github.com/Resonate-Protocol/chanrelay/internal/server"
	"github.com/Resonate-Protocol/chanrelay/internal/version"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	os.Exit(run())
}

func run() int {
	fs := pflag.NewFlagSet("chanrelay-server", pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: chanrelay-server [flags] [port]\n")
		fs.PrintDefaults()
	}

	var (
		host         = fs.String("host", "", "listen host")
		port         = fs.IntP("port", "p", server.DefaultPort, "TCP port")
		httpPort     = fs.Int("http-port", server.DefaultHTTPPort, "HTTP status and WebSocket port, 0 disables")
		name         = fs.StringP("name", "n", "", "server name (default: hostname-chanrelay)")
		source       = fs.String("provider", "", "track provider: library, yt-dlp or tone (default: library when --library is set, else tone)")
		library      = fs.String("library", envStr("CHANRELAY_LIBRARY", ""), "music directory for the library provider")
		seedFile     = fs.String("seeds", envStr("CHANRELAY_SEEDS", ""), "file of channel queries, one per line")
		channels     = fs.Int("channels", envInt("CHANRELAY_CHANNELS", server.DefaultChannelCount), "channels to create from the seed file")
		lobbyQuery   = fs.String("lobby-query", server.DefaultLobby, "search query for the lobby")
		frameSize    = fs.Int("frame-size", channel.DefaultFrameSize, "audio frame size in bytes")
		sampleRate   = fs.Int("sample-rate", provider.DefaultSampleRate, "stream sample rate")
		maxChannels  = fs.Int("max-channels", server.DefaultMaxChannels, "upper bound on channels, including ones created by JOIN")
		toneDuration = fs.Duration("tone-duration", 30*time.Second, "track length for the tone provider")
		noMDNS       = fs.Bool("no-mdns", false, "disable mDNS advertisement")
		noTUI        = fs.Bool("no-tui", false, "disable the TUI, log to stdout and read commands from stdin")
		logLevel     = fs.StringP("log-level", "l", "info", "log level")
		logFile      = fs.String("log-file", "", "append JSON logs to this file")
		showVersion  = fs.Bool("version", false, "print version and exit")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if *showVersion {
		fmt.Println(version.String())
		return 0
	}

	if args := fs.Args(); len(args) > 0 {
		p, err := strconv.Atoi(args[0])
		if err != nil || p < 0 || p > 65535 {
			fmt.Fprintf(os.Stderr, "invalid port %q\n", args[0])
			return 2
		}
		*port = p
	}

	useTUI := !*noTUI
	logger, closer, err := logging.New(logging.Options{
		Level:   *logLevel,
		File:    *logFile,
		Console: !useTUI,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	defer closer.Close()

	serverName := *name
	if serverName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		serverName = hostname + "-chanrelay"
	}

	format := provider.Format{SampleRate: *sampleRate, Channels: provider.DefaultChannels}
	tracks, err := newProvider(*source, *library, format, *toneDuration, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create track provider")
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	var seeds []string
	if *seedFile != "" {
		seeds, err = server.LoadSeeds(*seedFile, *channels, rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)))
		if err != nil {
			logger.Error().Err(err).Msg("failed to load seeds")
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}

	config := server.Config{
		Host:        *host,
		Port:        *port,
		HTTPPort:    *httpPort,
		Name:        serverName,
		Format:      format,
		FrameSize:   *frameSize,
		MaxChannels: *maxChannels,
		Provider:    tracks,
		Seeds:       seeds,
		LobbyQuery:  *lobbyQuery,
		EnableMDNS:  !*noMDNS,
		UseTUI:      useTUI,
		Logger:      logger,
	}
	if !useTUI {
		config.Commands = os.Stdin
	}

	srv, err := server.New(config)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create server")
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info().
		Str("name", serverName).
		Int("port", *port).
		Int("http_port", *httpPort).
		Str("version", version.String()).
		Msg("starting server")

	if err := srv.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("server error")
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	logger.Info().Msg("server stopped")
	return 0
}

func newProvider(kind, library string, format provider.Format, toneDuration time.Duration, logger zerolog.Logger) (channel.TrackProvider, error) {
	if kind == "" {
		kind = "tone"
		if library != "" {
			kind = "library"
		}
	}

	switch kind {
	case "library":
		if library == "" {
			return nil, fmt.Errorf("--library is required for the library provider")
		}
		return provider.NewLibrary(provider.LibraryConfig{Dir: library, Format: format, Logger: logger})
	case "yt-dlp", "ytdlp", "youtube":
		return provider.NewYTDLP(provider.YTDLPConfig{Format: format, Logger: logger})
	case "tone":
		return provider.NewTone(format, toneDuration), nil
	}
	return nil, fmt.Errorf("unknown provider %q", kind)
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
