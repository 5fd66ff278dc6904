// ABOUTME: Network track provider using yt-dlp for search and ffmpeg for decoding
// ABOUTME: Materialized tracks stream s16le PCM from an ffmpeg child process
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/Resonate-Protocol/chanrelay/internal/channel"
	"github.com/rs/zerolog"
)

const defaultResolveTimeout = 30 * time.Second

// YTDLPConfig configures the network provider
type YTDLPConfig struct {
	YTDLP  string // yt-dlp binary, default "yt-dlp"
	FFmpeg string // ffmpeg binary, default "ffmpeg"
	Format Format
	Logger zerolog.Logger
}

// YTDLP searches YouTube and decodes results with ffmpeg
type YTDLP struct {
	ytdlp  string
	ffmpeg string
	format Format
	logger zerolog.Logger
}

// NewYTDLP checks both binaries are on PATH
func NewYTDLP(cfg YTDLPConfig) (*YTDLP, error) {
	if cfg.YTDLP == "" {
		cfg.YTDLP = "yt-dlp"
	}
	if cfg.FFmpeg == "" {
		cfg.FFmpeg = "ffmpeg"
	}

	var missing []string
	for _, bin := range []string{cfg.YTDLP, cfg.FFmpeg} {
		if _, err := exec.LookPath(bin); err != nil {
			missing = append(missing, bin)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing dependencies: %s", strings.Join(missing, ", "))
	}

	return &YTDLP{
		ytdlp:  cfg.YTDLP,
		ffmpeg: cfg.FFmpeg,
		format: cfg.Format.withDefaults(),
		logger: cfg.Logger.With().Str("provider", "ytdlp").Logger(),
	}, nil
}

// Search runs a flat ytsearch and returns one track per result line
func (p *YTDLP) Search(ctx context.Context, query string, count int) ([]channel.Track, error) {
	if count <= 0 || strings.TrimSpace(query) == "" {
		return nil, nil
	}

	args := []string{
		"--ignore-config",
		"--flat-playlist",
		"--no-warnings",
		"--socket-timeout", "10",
		"-j",
		fmt.Sprintf("ytsearch%d:%s", count, query),
	}

	out, err := exec.CommandContext(ctx, p.ytdlp, args...).Output()
	if err != nil {
		return nil, fmt.Errorf("yt-dlp search failed: %w", err)
	}

	tracks := parseSearchOutput(out)
	p.logger.Debug().Str("query", query).Int("results", len(tracks)).Msg("yt-dlp search")
	return tracks, nil
}

// Materialize resolves the audio URL and starts ffmpeg decoding it.
// The ffmpeg process lives until the source is closed.
func (p *YTDLP) Materialize(ctx context.Context, track channel.Track) (channel.Source, error) {
	resolveCtx, cancel := context.WithTimeout(ctx, defaultResolveTimeout)
	defer cancel()

	streamURL, err := p.resolve(resolveCtx, track.Location)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(p.ffmpeg,
		"-loglevel", "error",
		"-reconnect", "1",
		"-reconnect_streamed", "1",
		"-i", streamURL,
		"-vn",
		"-f", "s16le",
		"-ar", strconv.Itoa(p.format.SampleRate),
		"-ac", strconv.Itoa(p.format.Channels),
		"-")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	p.logger.Debug().Str("track", track.Title).Int("pid", cmd.Process.Pid).Msg("ffmpeg started")
	return &processSource{cmd: cmd, stdout: stdout}, nil
}

func (p *YTDLP) resolve(ctx context.Context, pageURL string) (string, error) {
	args := []string{
		"--ignore-config",
		"--no-playlist",
		"--no-warnings",
		"--socket-timeout", "10",
		"-f", "bestaudio",
		"--get-url",
		pageURL,
	}

	out, err := exec.CommandContext(ctx, p.ytdlp, args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("yt-dlp resolve failed: %w: %s", err, strings.TrimSpace(string(out)))
	}

	url := pickAudioURL(string(out))
	if url == "" {
		return "", fmt.Errorf("yt-dlp returned no URL for %s", pageURL)
	}
	return url, nil
}

// processSource reads PCM from a child process and kills it on Close
type processSource struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
}

func (s *processSource) Read(p []byte) (int, error) { return s.stdout.Read(p) }

func (s *processSource) Close() error {
	s.stdout.Close()
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	s.cmd.Wait()
	return nil
}

type searchEntry struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

// parseSearchOutput reads yt-dlp's one-JSON-object-per-line output
func parseSearchOutput(out []byte) []channel.Track {
	var tracks []channel.Track
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var e searchEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}

		url := e.URL
		if url == "" && e.ID != "" {
			url = "https://www.youtube.com/watch?v=" + e.ID
		}
		if url == "" {
			continue
		}

		id := e.ID
		if id == "" {
			id = url
		}
		tracks = append(tracks, channel.Track{ID: id, Title: e.Title, Location: url})
	}
	return tracks
}

// pickAudioURL prefers an audio-only URL when yt-dlp prints several
func pickAudioURL(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for _, line := range lines {
		if strings.Contains(line, "mime=audio") || strings.Contains(line, "audio/") {
			return strings.TrimSpace(line)
		}
	}
	return strings.TrimSpace(lines[0])
}
