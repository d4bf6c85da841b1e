package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

var ErrUnsupportedWAV = errors.New("unsupported wav format")

// WAVInfo describes the PCM stream inside a WAV container.
type WAVInfo struct {
	SampleRate int
	Channels   int
	DataSize   uint32
}

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAVPCM16LETo(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVPCM16LETo writes raw PCM16LE mono audio bytes to out as a WAV stream.
func WriteWAVPCM16LETo(out io.Writer, pcm []byte, sampleRate int) error {
	w := bufio.NewWriter(out)
	if err := writeWAVHeader(w, uint32(len(pcm)), sampleRate); err != nil {
		return err
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}

func writeWAVHeader(w io.Writer, dataSize uint32, sampleRate int) error {
	const (
		numChannels   = 1
		bitsPerSample = 16
		audioFormat   = 1 // PCM
	)
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	byteRate := uint32(sampleRate * numChannels * bitsPerSample / 8)
	blockAlign := uint16(numChannels * bitsPerSample / 8)

	fields := []any{
		[4]byte{'R', 'I', 'F', 'F'},
		uint32(36) + dataSize,
		[4]byte{'W', 'A', 'V', 'E'},
		[4]byte{'f', 'm', 't', ' '},
		uint32(16),
		uint16(audioFormat),
		uint16(numChannels),
		uint32(sampleRate),
		byteRate,
		blockAlign,
		uint16(bitsPerSample),
		[4]byte{'d', 'a', 't', 'a'},
		dataSize,
	}
	for _, f := range fields {
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	return nil
}

// ReadWAVHeader consumes a canonical PCM16 WAV header from r, skipping unknown
// chunks, and leaves r positioned at the first sample.
func ReadWAVHeader(r io.Reader) (WAVInfo, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return WAVInfo{}, fmt.Errorf("read riff header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return WAVInfo{}, ErrUnsupportedWAV
	}

	var info WAVInfo
	haveFmt := false
	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			return WAVInfo{}, fmt.Errorf("read chunk header: %w", err)
		}
		id := string(chunk[0:4])
		size := binary.LittleEndian.Uint32(chunk[4:8])
		switch id {
		case "fmt ":
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return WAVInfo{}, fmt.Errorf("read fmt chunk: %w", err)
			}
			if len(body) < 16 {
				return WAVInfo{}, ErrUnsupportedWAV
			}
			format := binary.LittleEndian.Uint16(body[0:2])
			bits := binary.LittleEndian.Uint16(body[14:16])
			if format != 1 || bits != 16 {
				return WAVInfo{}, fmt.Errorf("%w: format=%d bits=%d", ErrUnsupportedWAV, format, bits)
			}
			info.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return WAVInfo{}, ErrUnsupportedWAV
			}
			info.DataSize = size
			return info, nil
		default:
			if _, err := io.CopyN(io.Discard, r, int64(size+size%2)); err != nil {
				return WAVInfo{}, fmt.Errorf("skip %q chunk: %w", id, err)
			}
		}
	}
}

// WAVFileWriter streams PCM16 mono samples to a WAV file and patches the size
// fields on Close.
type WAVFileWriter struct {
	f          *os.File
	w          *bufio.Writer
	sampleRate int
	written    uint32
}

func CreateWAVFile(path string, sampleRate int) (*WAVFileWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriter(f)
	if err := writeWAVHeader(w, 0, sampleRate); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &WAVFileWriter{f: f, w: w, sampleRate: sampleRate}, nil
}

func (w *WAVFileWriter) WriteSamples(samples []int16) error {
	n, err := w.w.Write(EncodePCM16LE(samples))
	w.written += uint32(n)
	return err
}

func (w *WAVFileWriter) Close() error {
	if err := w.w.Flush(); err != nil {
		_ = w.f.Close()
		return err
	}
	var hdr bytes.Buffer
	if err := writeWAVHeader(&hdr, w.written, w.sampleRate); err != nil {
		_ = w.f.Close()
		return err
	}
	if _, err := w.f.WriteAt(hdr.Bytes(), 0); err != nil {
		_ = w.f.Close()
		return err
	}
	return w.f.Close()
}
