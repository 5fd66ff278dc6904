// ABOUTME: Entry point for the chanrelay listener
// ABOUTME: Connects, pairs, starts playback and runs the TUI or a line-mode prompt
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"os/user"
	"strconv"
	"syscall"
	"time"

	"github.com/Resonate-Protocol/chanrelay/internal/client"
	"github.com/Resonate-Protocol/chanrelay/internal/discovery"
	"github.com/Resonate-Protocol/chanrelay/internal/logging"
	"github.com/Resonate-Protocol/chanrelay/internal/server"
	"github.com/Resonate-Protocol/chanrelay/internal/transport"
	"github.com/Resonate-Protocol/chanrelay/internal/ui"
	"github.com/Resonate-Protocol/chanrelay/internal/version"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	os.Exit(run())
}

func run() int {
	fs := pflag.NewFlagSet("chanrelay-client", pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: chanrelay-client [flags] [<address> <port>]\n")
		fs.PrintDefaults()
	}

	var (
		username        = fs.StringP("username", "u", "", "name shown to other listeners (default: login name)")
		transportKind   = fs.StringP("transport", "t", "tcp", "tcp or ws")
		wsPath          = fs.String("ws-path", transport.DefaultWebSocketPath, "WebSocket path on the server's HTTP port")
		bufferFrames    = fs.Int("buffer-frames", client.DefaultBufferFrames, "jitter buffer capacity in frames")
		prebufferFrames = fs.Int("prebuffer-frames", client.DefaultPrebufferFrames, "frames buffered before playback starts")
		volume          = fs.Int("volume", 100, "initial volume, 0-100")
		noAudio         = fs.Bool("no-audio", false, "discard audio instead of opening the sound card")
		noTUI           = fs.Bool("no-tui", false, "disable the TUI, use a line prompt on stdin")
		discoverTimeout = fs.Duration("discover-timeout", 5*time.Second, "how long to browse mDNS when no address is given")
		logLevel        = fs.StringP("log-level", "l", "info", "log level")
		logFile         = fs.String("log-file", "", "append JSON logs to this file")
		showVersion     = fs.Bool("version", false, "print version and exit")
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

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	target, err := resolveTarget(ctx, fs.Args(), *discoverTimeout, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	addr := net.JoinHostPort(target.Host, strconv.Itoa(target.Port))
	if *transportKind == "ws" {
		path := target.Path
		if path == "" {
			path = *wsPath
		}
		port := target.HTTPPort
		if port == 0 {
			port = server.DefaultHTTPPort
		}
		addr = "ws://" + net.JoinHostPort(target.Host, strconv.Itoa(port)) + path
	}

	name := *username
	if name == "" {
		name = defaultUsername()
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	c, err := client.Dial(dialCtx, client.Config{
		Addr:            addr,
		Transport:       *transportKind,
		BufferFrames:    *bufferFrames,
		PrebufferFrames: *prebufferFrames,
		Logger:          logger,
	})
	dialCancel()
	if err != nil {
		logger.Error().Err(err).Str("addr", addr).Msg("failed to connect")
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer c.Close()

	if err := c.Handshake(name); err != nil {
		logger.Error().Err(err).Msg("handshake failed")
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	init := c.ServerInit()
	var device client.Device
	if *noAudio {
		device = client.NewNullDevice(init.SampleRate, init.ChannelCount)
	} else {
		device, err = client.NewOtoDevice(init.SampleRate, init.ChannelCount, logging.Component(logger, "playback"))
		if err != nil {
			logger.Error().Err(err).Msg("failed to open audio output")
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}
	defer device.Close()
	device.SetVolume(*volume)

	if err := device.Play(c.Stream()); err != nil {
		logger.Error().Err(err).Msg("failed to start playback")
		return 1
	}

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(runCtx) }()

	if useTUI {
		if err := ui.Run(runCtx, c, device, addr); err != nil {
			logger.Error().Err(err).Msg("tui error")
		}
		runCancel()
		<-runErr
		return 0
	}

	return lineMode(runCtx, runCancel, c, runErr)
}

// resolveTarget uses positional address and port, or browses mDNS
func resolveTarget(ctx context.Context, args []string, timeout time.Duration, logger zerolog.Logger) (*discovery.ServerInfo, error) {
	switch len(args) {
	case 0:
		logger.Info().Dur("timeout", timeout).Msg("no address given, browsing for servers")
		info, err := discovery.Discover(ctx, timeout, logger)
		if err != nil {
			return nil, fmt.Errorf("no server address given and none discovered: %w", err)
		}
		logger.Info().Str("name", info.Name).Str("addr", info.Addr()).Msg("discovered server")
		return info, nil
	case 1:
		host, portStr, err := net.SplitHostPort(args[0])
		if err != nil {
			return &discovery.ServerInfo{Host: args[0], Port: server.DefaultPort}, nil
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q", portStr)
		}
		return &discovery.ServerInfo{Host: host, Port: port}, nil
	case 2:
		port, err := strconv.Atoi(args[1])
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid port %q", args[1])
		}
		return &discovery.ServerInfo{Host: args[0], Port: port}, nil
	}
	return nil, errors.New("usage: chanrelay-client [flags] [<address> <port>]")
}

func defaultUsername() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "listener"
}

// lineMode prints events and reads commands from stdin
func lineMode(ctx context.Context, cancel context.CancelFunc, c *client.Client, runErr <-chan error) int {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	fmt.Printf("connected as %s in #%s; channels: %v\n", c.Username(), c.Channel(), c.Channels())

	for {
		select {
		case <-ctx.Done():
			return 0
		case err := <-runErr:
			if err != nil {
				fmt.Fprintln(os.Stderr, "disconnected:", err)
				return 1
			}
			return 0
		case ev := <-c.Events():
			printEvent(ev)
		case line, ok := <-lines:
			if !ok {
				cancel()
				return 0
			}
			if line == "" {
				continue
			}
			cmd, err := client.ParseCommand(line)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				continue
			}
			if cmd.Kind == client.CommandQuit {
				cancel()
				return 0
			}
			if err := c.Execute(cmd); err != nil {
				fmt.Fprintln(os.Stderr, err)
			}
		}
	}
}

func printEvent(ev client.Event) {
	switch ev.Kind {
	case client.EventChat:
		fmt.Println(ev.Text)
	case client.EventError:
		fmt.Println("!", ev.Text)
	case client.EventChannels:
		fmt.Println("channels:", ev.Channels)
	case client.EventDisconnected:
		fmt.Println("disconnected:", ev.Err)
	}
}
