// ABOUTME: File sources producing s16le PCM from WAV, MP3, FLAC and Opus
// ABOUTME: MP3 via go-mp3, FLAC via mewkiz/flac, Opus in opus.go; WAV is passed through after a header check
package provider

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hajimehoshi/go-mp3"
	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/frame"
)

var ErrFormatMismatch = errors.New("audio format does not match stream format")

// openFile returns a source for path in the stream format, plus the number
// of leading bytes the channel must skip
func openFile(path string, want Format) (io.ReadCloser, int, error) {
	switch extOf(path) {
	case ".wav":
		src, err := openWAV(path, want)
		return src, WAVHeaderSize, err
	case ".mp3":
		src, err := openMP3(path, want)
		return src, 0, err
	case ".flac":
		src, err := openFLAC(path, want)
		return src, 0, err
	case ".opus":
		src, err := openOpus(path, want)
		return src, 0, err
	}
	return nil, 0, fmt.Errorf("unsupported file type: %s", path)
}

// openWAV checks the canonical 44-byte header and returns the file positioned at 0
func openWAV(path string, want Format) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAV file: %w", err)
	}

	header := make([]byte, WAVHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read WAV header: %w", err)
	}
	if err := checkWAVHeader(header, want); err != nil {
		f.Close()
		return nil, err
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to rewind WAV file: %w", err)
	}
	return f, nil
}

func checkWAVHeader(h []byte, want Format) error {
	if !bytes.Equal(h[0:4], []byte("RIFF")) || !bytes.Equal(h[8:12], []byte("WAVE")) {
		return errors.New("not a RIFF/WAVE file")
	}
	if !bytes.Equal(h[12:16], []byte("fmt ")) || !bytes.Equal(h[36:40], []byte("data")) {
		return errors.New("WAV header is not in canonical 44-byte layout")
	}

	audioFormat := binary.LittleEndian.Uint16(h[20:22])
	channels := int(binary.LittleEndian.Uint16(h[22:24]))
	sampleRate := int(binary.LittleEndian.Uint32(h[24:28]))
	bits := int(binary.LittleEndian.Uint16(h[34:36]))

	if audioFormat != 1 || bits != 16 || channels != want.Channels || sampleRate != want.SampleRate {
		return fmt.Errorf("%w: WAV is %dHz/%dch/%d-bit (format %d), want %s",
			ErrFormatMismatch, sampleRate, channels, bits, audioFormat, want)
	}
	return nil
}

// mp3Source decodes to 16-bit stereo
type mp3Source struct {
	f       *os.File
	decoder *mp3.Decoder
}

func openMP3(path string, want Format) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open MP3 file: %w", err)
	}

	decoder, err := mp3.NewDecoder(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to decode MP3: %w", err)
	}

	if decoder.SampleRate() != want.SampleRate || want.Channels != 2 {
		f.Close()
		return nil, fmt.Errorf("%w: MP3 is %dHz/2ch, want %s", ErrFormatMismatch, decoder.SampleRate(), want)
	}

	return &mp3Source{f: f, decoder: decoder}, nil
}

func (s *mp3Source) Read(p []byte) (int, error) { return s.decoder.Read(p) }
func (s *mp3Source) Close() error               { return s.f.Close() }

// flacSource converts decoded FLAC frames to interleaved s16le
type flacSource struct {
	f        *os.File
	stream   *flac.Stream
	bitDepth int
	srcCh    int
	dstCh    int
	pending  []byte
}

func openFLAC(path string, want Format) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open FLAC file: %w", err)
	}

	stream, err := flac.New(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to decode FLAC: %w", err)
	}

	info := stream.Info
	if int(info.SampleRate) != want.SampleRate {
		f.Close()
		return nil, fmt.Errorf("%w: FLAC is %dHz, want %s", ErrFormatMismatch, info.SampleRate, want)
	}

	return &flacSource{
		f:        f,
		stream:   stream,
		bitDepth: int(info.BitsPerSample),
		srcCh:    int(info.NChannels),
		dstCh:    want.Channels,
	}, nil
}

func (s *flacSource) Read(p []byte) (int, error) {
	for len(s.pending) == 0 {
		fr, err := s.stream.ParseNext()
		if err != nil {
			return 0, err
		}
		s.pending = s.convert(fr)
	}

	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *flacSource) convert(fr *frame.Frame) []byte {
	blockSize := int(fr.BlockSize)
	out := make([]byte, 0, blockSize*s.dstCh*BytesPerSample)

	for i := 0; i < blockSize; i++ {
		for ch := 0; ch < s.dstCh; ch++ {
			var v int32
			switch {
			case s.dstCh == 1 && s.srcCh >= 2:
				v = (fr.Subframes[0].Samples[i] + fr.Subframes[1].Samples[i]) / 2
			case ch < s.srcCh:
				v = fr.Subframes[ch].Samples[i]
			default:
				v = fr.Subframes[0].Samples[i]
			}
			out = binary.LittleEndian.AppendUint16(out, uint16(toInt16(v, s.bitDepth)))
		}
	}
	return out
}

func (s *flacSource) Close() error { return s.f.Close() }

// toInt16 rescales a sample of the given bit depth to 16 bits
func toInt16(v int32, bitDepth int) int16 {
	shift := bitDepth - 16
	if shift > 0 {
		v >>= shift
	} else if shift < 0 {
		v <<= -shift
	}
	if v > 32767 {
		v = 32767
	} else if v < -32768 {
		v = -32768
	}
	return int16(v)
}
