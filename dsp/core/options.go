package core

// AcquireConfig defines common acquisition settings shared by waveform
// sources and block-oriented processors.
type AcquireConfig struct {
	SampleRate float64 // samples per second
	BlockSize  int     // samples per delivered block
}

// AcquireOption mutates an AcquireConfig.
type AcquireOption func(*AcquireConfig)

// DefaultAcquireConfig returns defaults suitable for audio-band measurements.
func DefaultAcquireConfig() AcquireConfig {
	return AcquireConfig{
		SampleRate: 48000,
		BlockSize:  4096,
	}
}

// WithSampleRate sets the acquisition sample rate.
func WithSampleRate(sampleRate float64) AcquireOption {
	return func(cfg *AcquireConfig) {
		if sampleRate > 0 {
			cfg.SampleRate = sampleRate
		}
	}
}

// WithBlockSize sets the number of samples per block.
func WithBlockSize(blockSize int) AcquireOption {
	return func(cfg *AcquireConfig) {
		if blockSize > 0 {
			cfg.BlockSize = blockSize
		}
	}
}

// ApplyAcquireOptions applies zero or more options to the default config.
func ApplyAcquireOptions(opts ...AcquireOption) AcquireConfig {
	cfg := DefaultAcquireConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}
