package audio

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPermissionDenied is returned when the microphone cannot be acquired.
	ErrPermissionDenied = errors.New("microphone permission denied")
	// ErrDeviceLost is reported by Recording.Err when capture ends without Stop.
	ErrDeviceLost = errors.New("audio device stopped unexpectedly")
)

// DefaultChunkInterval is the production period of encoded chunks.
const DefaultChunkInterval = time.Second

// Config describes how the microphone is opened and how chunks are encoded.
type Config struct {
	SampleRate    int
	Channels      int
	InputFormat   string
	InputDevice   string
	Codec         string
	Container     string
	ChunkInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.InputFormat == "" {
		c.InputFormat = "pulse"
	}
	if c.InputDevice == "" {
		c.InputDevice = "default"
	}
	if c.Codec == "" {
		c.Codec = "libopus"
	}
	if c.Container == "" {
		c.Container = "webm"
	}
	if c.ChunkInterval <= 0 {
		c.ChunkInterval = DefaultChunkInterval
	}
	return c
}

// Device acquires the microphone.
type Device interface {
	Open(ctx context.Context) (Recording, error)
}

// Recording is an active capture. Chunks yields one encoded block per
// interval and is closed after the final block once the recording ends.
// Concatenating every chunk in order yields one valid audio file.
type Recording interface {
	Chunks() <-chan []byte
	// Stop ends production and releases the device. Safe to call repeatedly.
	Stop() error
	// Err reports why the recording ended on its own, once Chunks is closed.
	Err() error
}
