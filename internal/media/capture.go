package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/agentbridge/internal/audio"
)

var (
	ErrPermissionDenied = errors.New("capture permission denied")
	ErrDeviceNotFound   = errors.New("capture device not found")
)

const (
	DefaultFrameMS    = 20
	DefaultNativeRate = 48000
	toneAmplitude     = 0.2
)

// Constraints mirror the audio constraints of getUserMedia. SampleRate zero
// keeps the device's native rate.
type Constraints struct {
	SampleRate int
	FrameMS    int
	Processing audio.ProcessingConfig
}

// Devices hands out capture streams.
type Devices interface {
	GetUserMedia(ctx context.Context, c Constraints) (*CaptureStream, error)
}

// CaptureStream owns one live capture track and the goroutine feeding it.
type CaptureStream struct {
	track       *PCMTrack
	cancel      context.CancelFunc
	closeSource func()
	done        chan struct{}
}

func (s *CaptureStream) Track() *PCMTrack { return s.track }

// Stop ends the track, closes the source and waits for the capture loop.
// A read blocked on a source that cannot be closed (stdin) is abandoned.
// Idempotent.
func (s *CaptureStream) Stop() {
	s.cancel()
	s.track.Stop()
	s.closeSource()
	<-s.done
}

// SourceDevices captures from a configured source spec:
//
//	silence            generated silence
//	tone:<hz>          generated sine tone
//	pcm:<path>@<rate>  raw PCM16LE mono file or FIFO
//	wav:<path>         PCM16 WAV file
//	stdin@<rate>       raw PCM16LE mono on stdin, unpaced
//	deny               always fails with ErrPermissionDenied
type SourceDevices struct {
	Spec       string
	NativeRate int
	// FarEnd reports the playback level for the echo stage; may be nil.
	FarEnd func() float64
	Logger *zap.Logger
}

var _ Devices = (*SourceDevices)(nil)

type frameSource interface {
	rate() int
	paced() bool
	read(samples []int16) error
	close() error
}

func (d *SourceDevices) GetUserMedia(ctx context.Context, c Constraints) (*CaptureStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	src, err := d.open()
	if err != nil {
		return nil, err
	}
	stream, err := startCapture(src, c, d.FarEnd, logger)
	if err != nil {
		_ = src.close()
		return nil, err
	}
	logger.Info("capture started",
		zap.String("source", d.Spec),
		zap.String("track", stream.track.ID()),
		zap.Int("native_rate", src.rate()),
		zap.Int("sample_rate", stream.track.SampleRate()),
		zap.Bool("processing", c.Processing.Enabled()),
	)
	return stream, nil
}

type readResult struct {
	samples []int16
	err     error
}

// startCapture runs the capture loop for src. Reads happen on a separate
// goroutine so the loop never blocks on the source.
func startCapture(src frameSource, c Constraints, farEnd func() float64, logger *zap.Logger) (*CaptureStream, error) {
	frameMS := c.FrameMS
	if frameMS <= 0 {
		frameMS = DefaultFrameMS
	}
	outRate := src.rate()
	if c.SampleRate > 0 {
		outRate = c.SampleRate
	}
	rs, err := audio.NewResampler(src.rate(), outRate)
	if err != nil {
		return nil, err
	}
	proc := audio.NewProcessor(c.Processing, farEnd)

	track := NewPCMTrack("capture-"+uuid.NewString(), DirectionOutbound, outRate)
	runCtx, cancel := context.WithCancel(context.Background())
	stream := &CaptureStream{
		track:       track,
		cancel:      cancel,
		closeSource: sync.OnceFunc(func() { _ = src.close() }),
		done:        make(chan struct{}),
	}

	n := audio.SamplesPerFrame(src.rate(), frameMS)
	reads := make(chan readResult)
	go func() {
		for {
			buf := make([]int16, n)
			err := src.read(buf)
			select {
			case reads <- readResult{samples: buf, err: err}:
			case <-runCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	go func() {
		defer close(stream.done)
		defer stream.closeSource()
		defer cancel()
		var tick <-chan time.Time
		if src.paced() {
			ticker := time.NewTicker(time.Duration(frameMS) * time.Millisecond)
			defer ticker.Stop()
			tick = ticker.C
		}
		for {
			if tick != nil {
				select {
				case <-runCtx.Done():
					return
				case <-track.Done():
					return
				case <-tick:
				}
			}
			var res readResult
			select {
			case <-runCtx.Done():
				return
			case <-track.Done():
				return
			case res = <-reads:
			}
			if res.err != nil {
				if runCtx.Err() != nil || track.ReadyState() != ReadyStateLive {
					return
				}
				if !errors.Is(res.err, io.EOF) && !errors.Is(res.err, io.ErrUnexpectedEOF) {
					logger.Warn("capture source read failed", zap.Error(res.err))
				} else {
					logger.Info("capture source ended", zap.String("track", track.ID()))
				}
				track.Stop()
				return
			}
			out, err := rs.Process(res.samples)
			if err != nil {
				logger.Warn("capture resample failed", zap.Error(err))
				continue
			}
			proc.Process(out)
			track.Push(audio.Frame{Samples: out, SampleRate: outRate})
		}
	}()
	return stream, nil
}

func (d *SourceDevices) open() (frameSource, error) {
	native := d.NativeRate
	if native <= 0 {
		native = DefaultNativeRate
	}
	spec := strings.TrimSpace(d.Spec)
	switch {
	case spec == "" || spec == "silence":
		return &toneSource{sampleRate: native}, nil
	case spec == "deny":
		return nil, ErrPermissionDenied
	case strings.HasPrefix(spec, "tone:"):
		hz, err := strconv.ParseFloat(strings.TrimPrefix(spec, "tone:"), 64)
		if err != nil || hz <= 0 {
			return nil, fmt.Errorf("%w: invalid tone %q", ErrDeviceNotFound, spec)
		}
		return &toneSource{sampleRate: native, freq: hz}, nil
	case strings.HasPrefix(spec, "wav:"):
		f, err := openSourceFile(strings.TrimPrefix(spec, "wav:"))
		if err != nil {
			return nil, err
		}
		info, err := audio.ReadWAVHeader(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
		}
		if info.Channels != 1 {
			_ = f.Close()
			return nil, fmt.Errorf("%w: wav source must be mono, got %d channels", ErrDeviceNotFound, info.Channels)
		}
		return &readerSource{r: f, sampleRate: info.SampleRate, isPaced: true}, nil
	case strings.HasPrefix(spec, "pcm:"):
		path, rate, err := splitRate(strings.TrimPrefix(spec, "pcm:"), native)
		if err != nil {
			return nil, err
		}
		f, err := openSourceFile(path)
		if err != nil {
			return nil, err
		}
		return &readerSource{r: f, sampleRate: rate, isPaced: true}, nil
	case strings.HasPrefix(spec, "stdin"):
		_, rate, err := splitRate(spec, native)
		if err != nil {
			return nil, err
		}
		return &readerSource{r: io.NopCloser(os.Stdin), sampleRate: rate}, nil
	default:
		return nil, fmt.Errorf("%w: unknown capture source %q", ErrDeviceNotFound, spec)
	}
}

func openSourceFile(path string) (*os.File, error) {
	f, err := os.Open(path)
	switch {
	case err == nil:
		return f, nil
	case errors.Is(err, os.ErrPermission):
		return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
	default:
		return nil, err
	}
}

func splitRate(s string, fallback int) (string, int, error) {
	idx := strings.LastIndex(s, "@")
	if idx < 0 {
		return s, fallback, nil
	}
	rate, err := strconv.Atoi(s[idx+1:])
	if err != nil || rate <= 0 {
		return "", 0, fmt.Errorf("%w: invalid sample rate in %q", ErrDeviceNotFound, s)
	}
	return s[:idx], rate, nil
}

type toneSource struct {
	sampleRate int
	freq       float64
	phase      float64
}

func (s *toneSource) rate() int   { return s.sampleRate }
func (s *toneSource) paced() bool { return true }
func (s *toneSource) close() error {
	return nil
}

func (s *toneSource) read(samples []int16) error {
	if s.freq <= 0 {
		for i := range samples {
			samples[i] = 0
		}
		return nil
	}
	step := 2 * math.Pi * s.freq / float64(s.sampleRate)
	for i := range samples {
		samples[i] = int16(toneAmplitude * 32767 * math.Sin(s.phase))
		s.phase += step
		if s.phase > 2*math.Pi {
			s.phase -= 2 * math.Pi
		}
	}
	return nil
}

type readerSource struct {
	r          io.ReadCloser
	sampleRate int
	isPaced    bool
	buf        []byte
}

func (s *readerSource) rate() int    { return s.sampleRate }
func (s *readerSource) paced() bool  { return s.isPaced }
func (s *readerSource) close() error { return s.r.Close() }

func (s *readerSource) read(samples []int16) error {
	need := len(samples) * 2
	if cap(s.buf) < need {
		s.buf = make([]byte, need)
	}
	if _, err := io.ReadFull(s.r, s.buf[:need]); err != nil {
		return err
	}
	copy(samples, audio.DecodePCM16LE(s.buf[:need]))
	return nil
}
