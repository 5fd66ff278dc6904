// ABOUTME: Server configuration, defaults and seed-file loading
// ABOUTME: Seeds name the channels created at startup alongside the lobby
package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"strings"

	"github.com/Resonate-Protocol/chanrelay/internal/channel"
	"github.com/Resonate-Protocol/chanrelay/internal/protocol"
	"github.com/Resonate-Protocol/chanrelay/internal/provider"
	"github.com/rs/zerolog"
)

const (
	DefaultPort          = 8927
	DefaultHTTPPort      = 8928
	DefaultName          = "chanrelay"
	DefaultLobby         = "lobby"
	DefaultMaxChatLength = 256
	DefaultMaxChannels   = 32
	DefaultSendQueue     = 64
	DefaultChannelCount  = 8
)

// Config holds server configuration
type Config struct {
	Host     string
	Port     int // raw TCP port; 0 picks a free one
	HTTPPort int // 0 disables the HTTP surface
	Name     string

	Format        provider.Format
	FrameSize     int
	MaxFrameSize  int
	MaxChatLength int
	MaxChannels   int
	SendQueue     int // per-peer outgoing frames before the peer is dropped

	Provider   channel.TrackProvider
	Seeds      []string // channel names created at startup after the lobby
	LobbyQuery string

	EnableMDNS bool
	UseTUI     bool
	Commands   io.Reader // operator command lines, usually stdin

	Logger zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.Format.SampleRate <= 0 {
		c.Format.SampleRate = provider.DefaultSampleRate
	}
	if c.Format.Channels <= 0 {
		c.Format.Channels = provider.DefaultChannels
	}
	if c.FrameSize <= 0 {
		c.FrameSize = channel.DefaultFrameSize
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if c.MaxChatLength <= 0 {
		c.MaxChatLength = DefaultMaxChatLength
	}
	if c.MaxChannels <= 0 {
		c.MaxChannels = DefaultMaxChannels
	}
	if c.SendQueue <= 0 {
		c.SendQueue = DefaultSendQueue
	}
	if c.LobbyQuery == "" {
		c.LobbyQuery = DefaultLobby
	}
	return c
}

// LoadSeeds reads one query per line from path, skipping blanks and
// # comments, and returns up to n distinct channel names in shuffled order
func LoadSeeds(path string, n int, rng *rand.Rand) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open seed file: %w", err)
	}
	defer f.Close()

	seeds, err := ParseSeeds(f)
	if err != nil {
		return nil, err
	}
	return PickSeeds(seeds, n, rng), nil
}

// ParseSeeds reads seed queries from r
func ParseSeeds(r io.Reader) ([]string, error) {
	var seeds []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		seeds = append(seeds, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read seeds: %w", err)
	}
	if len(seeds) == 0 {
		return nil, errors.New("seed file has no queries")
	}
	return seeds, nil
}

// PickSeeds shuffles seeds, repeats them until n names exist and drops
// duplicates and the lobby name. The result can be shorter than n.
func PickSeeds(seeds []string, n int, rng *rand.Rand) []string {
	if n <= 0 || len(seeds) == 0 {
		return nil
	}

	shuffled := append([]string(nil), seeds...)
	if rng != nil {
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	}

	seen := map[string]bool{DefaultLobby: true}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		name := shuffled[i%len(shuffled)]
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}
