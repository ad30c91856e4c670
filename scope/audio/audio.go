// Package audio adapts a sound-card line-in to the scope Source interface,
// for audio-band measurements without an oscilloscope.
//
// Capture is continuous: the miniaudio callback feeds a bounded chunk queue
// that NextBlock assembles into fixed-size blocks on a gapless timebase. If
// the consumer falls behind and the queue overflows, the lost span is
// accounted into the timebase and the next NextBlock reports ErrOverflow so
// the run can skip the discontinuity.
//
// In stereo mode the left channel carries the signal and the right channel
// a reference copy of the stimulus, which enables reference tracking just
// like a two-channel oscilloscope.
package audio

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"unsafe"

	"github.com/gen2brain/malgo"

	"github.com/cwbudde/scope-lockin/dsp/core"
	"github.com/cwbudde/scope-lockin/scope"
)

const chunkQueueDepth = 64

// Source captures waveform blocks from a sound-card input.
type Source struct {
	cfg        core.AcquireConfig
	deviceName string
	stereo     bool
	log        *slog.Logger

	mctx   *malgo.AllocatedContext
	device *malgo.Device

	chunks    chan []float64 // interleaved frames, channel-major per frame
	lost      atomic.Int64   // frames discarded by the capture callback
	accounted int64          // lost frames already folded into pos
	leftover  []float64
	pos       int64 // frames delivered on the gapless timebase
	opened    bool
}

// Option configures a Source.
type Option func(*Source)

// WithDevice selects the capture device by case-insensitive substring of
// its name. Default is the system capture device.
func WithDevice(name string) Option {
	return func(s *Source) { s.deviceName = name }
}

// WithStereoReference captures two channels: signal on the left, reference
// on the right.
func WithStereoReference() Option {
	return func(s *Source) { s.stereo = true }
}

// WithLogger sets the structured logger. Default is slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(s *Source) {
		if log != nil {
			s.log = log
		}
	}
}

// New creates a sound-card source. Sample rate and block size come from the
// acquisition options.
func New(coreOpts []core.AcquireOption, opts ...Option) *Source {
	s := &Source{
		cfg: core.ApplyAcquireOptions(coreOpts...),
		log: slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Source) channels() int {
	if s.stereo {
		return 2
	}
	return 1
}

// Open initializes the audio backend and starts the capture device.
func (s *Source) Open() error {
	if s.opened {
		return scope.ErrUnavailable
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("audio: init context: %w", err)
	}

	channels := s.channels()
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = uint32(channels)
	deviceConfig.SampleRate = uint32(s.cfg.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	if s.deviceName != "" {
		infos, err := mctx.Devices(malgo.Capture)
		if err == nil {
			for _, info := range infos {
				if strings.Contains(strings.ToLower(info.Name()), strings.ToLower(s.deviceName)) {
					deviceConfig.Capture.DeviceID = info.ID.Pointer()
					s.log.Info("capture device selected", "device", info.Name())
					break
				}
			}
		}
	}

	s.chunks = make(chan []float64, chunkQueueDepth)
	s.lost.Store(0)
	s.accounted = 0
	s.leftover = nil
	s.pos = 0

	onRecvFrames := func(pOutputSamples, pInputSamples []byte, frameCount uint32) {
		if len(pInputSamples) == 0 {
			return
		}
		n := int(frameCount) * channels
		in := unsafe.Slice((*float32)(unsafe.Pointer(&pInputSamples[0])), n)

		chunk := make([]float64, n)
		for i, v := range in {
			chunk[i] = float64(v)
		}
		select {
		case s.chunks <- chunk:
		default:
			s.lost.Add(int64(frameCount))
		}
	}

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onRecvFrames})
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return fmt.Errorf("audio: init device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return fmt.Errorf("audio: start capture: %w", err)
	}

	s.mctx = mctx
	s.device = device
	s.opened = true
	s.log.Info("capture started",
		"sample_rate_hz", device.SampleRate(), "channels", channels,
		"block_size", s.cfg.BlockSize)
	return nil
}

// NextBlock assembles the next block from the capture queue.
func (s *Source) NextBlock(ctx context.Context) (scope.Block, error) {
	if !s.opened {
		return scope.Block{}, scope.ErrUnavailable
	}

	if lost := s.lost.Load(); lost > s.accounted {
		n := lost - s.accounted
		s.accounted = lost
		// The partial block straddles the gap; discard it and advance the
		// timebase past everything lost.
		s.pos += n + int64(len(s.leftover)/s.channels())
		s.leftover = s.leftover[:0]
		return scope.Block{}, fmt.Errorf("audio: %d frames lost: %w", n, scope.ErrOverflow)
	}

	channels := s.channels()
	want := s.cfg.BlockSize * channels

	frames := s.leftover
	for len(frames) < want {
		select {
		case <-ctx.Done():
			s.leftover = frames
			return scope.Block{}, ctx.Err()
		case chunk := <-s.chunks:
			frames = append(frames, chunk...)
		}
	}
	s.leftover = frames[want:]
	frames = frames[:want]

	interval := 1 / s.cfg.SampleRate
	blk := scope.Block{
		Interval: interval,
		Start:    float64(s.pos) * interval,
	}
	if channels == 1 {
		blk.Data = frames
	} else {
		blk.Data = make([]float64, s.cfg.BlockSize)
		blk.Ref = make([]float64, s.cfg.BlockSize)
		for i := 0; i < s.cfg.BlockSize; i++ {
			blk.Data[i] = frames[2*i]
			blk.Ref[i] = frames[2*i+1]
		}
	}
	s.pos += int64(s.cfg.BlockSize)
	return blk, nil
}

// Lost returns how many capture frames have been discarded so far.
func (s *Source) Lost() int64 {
	return s.lost.Load()
}

// Close stops the capture device and tears down the audio backend.
func (s *Source) Close() error {
	if !s.opened {
		return nil
	}
	s.opened = false

	s.device.Uninit()
	err := s.mctx.Uninit()
	s.mctx.Free()
	s.device = nil
	s.mctx = nil
	return err
}
