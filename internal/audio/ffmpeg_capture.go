package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/speech-client/internal/observability"
)

const (
	startupGrace = 250 * time.Millisecond
	stopTimeout  = 1200 * time.Millisecond
	pipeDrain    = 500 * time.Millisecond
	chunkBacklog = 64
	tailMerge    = 250 * time.Millisecond
)

// FFmpegDevice records the microphone with ffmpeg, encoding to the
// configured codec and container on stdout.
type FFmpegDevice struct {
	command string
	cfg     Config
	logger  zerolog.Logger
}

// NewFFmpegDevice creates a device that runs command (ffmpeg by default).
func NewFFmpegDevice(command string, cfg Config, logger zerolog.Logger) *FFmpegDevice {
	if command == "" {
		command = "ffmpeg"
	}
	return &FFmpegDevice{
		command: command,
		cfg:     cfg.withDefaults(),
		logger:  observability.WithComponent(logger, "audio"),
	}
}

// args builds the ffmpeg command line for the configured input and encoding.
func (d *FFmpegDevice) args() []string {
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", d.cfg.InputFormat,
		"-i", d.cfg.InputDevice,
		"-ac", strconv.Itoa(d.cfg.Channels),
		"-ar", strconv.Itoa(d.cfg.SampleRate),
		"-c:a", d.cfg.Codec,
		"-flush_packets", "1",
		"-f", d.cfg.Container,
		"-",
	}
}

// Open starts ffmpeg. A process that cannot start, or exits during the
// startup grace period, is reported as ErrPermissionDenied.
func (d *FFmpegDevice) Open(ctx context.Context) (Recording, error) {
	cmd := exec.CommandContext(ctx, d.command, d.args()...)
	var stderr lockedBuffer
	cmd.Stderr = &stderr

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.WaitDelay = pipeDrain

	if err := cmd.Start(); err != nil {
		pw.Close()
		return nil, fmt.Errorf("%w: failed to start %s: %v", ErrPermissionDenied, d.command, err)
	}

	waitErr := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		pw.Close()
		waitErr <- err
		close(waitErr)
	}()

	// Audio written during the startup grace period is read but not sliced
	// until Open returns, so it lands in the first chunk.
	rec := &ffmpegRecording{
		stderr:  &stderr,
		process: cmd.Process,
		waitErr: waitErr,
		chunks:  make(chan []byte, chunkBacklog),
		started: make(chan *time.Ticker, 1),
		logger:  d.logger,
	}
	early := &earlyExit{}
	go rec.run(pr, mergeWindow(d.cfg.ChunkInterval), early)

	select {
	case err, ok := <-waitErr:
		early.mark()
		msg := trimSpace(stderr.String())
		if ok && err != nil {
			return nil, fmt.Errorf("%w: ffmpeg exited before capture started: %v: %s", ErrPermissionDenied, err, msg)
		}
		return nil, fmt.Errorf("%w: ffmpeg exited before capture started: %s", ErrPermissionDenied, msg)
	case <-time.After(startupGrace):
	}

	rec.started <- time.NewTicker(d.cfg.ChunkInterval)

	d.logger.Info().
		Str("format", d.cfg.InputFormat).
		Str("device", d.cfg.InputDevice).
		Str("codec", d.cfg.Codec).
		Dur("chunk_interval", d.cfg.ChunkInterval).
		Msg("Microphone capture started")
	return rec, nil
}

type earlyExit struct {
	mu   sync.Mutex
	flag bool
}

func (e *earlyExit) mark() {
	e.mu.Lock()
	e.flag = true
	e.mu.Unlock()
}

func (e *earlyExit) isSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flag
}

type ffmpegRecording struct {
	stderr  *lockedBuffer
	process *os.Process
	waitErr <-chan error
	chunks  chan []byte
	started chan *time.Ticker
	logger  zerolog.Logger

	mu      sync.Mutex
	stopped bool
	err     error

	stopOnce sync.Once
	stopErr  error
}

// Chunks returns the encoded chunks; it is closed when the recording ends.
func (r *ffmpegRecording) Chunks() <-chan []byte {
	return r.chunks
}

// Err reports why the recording ended, or nil after a requested Stop.
func (r *ffmpegRecording) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// run slices stdout into chunks and records device loss.
func (r *ffmpegRecording) run(stdout io.Reader, merge time.Duration, early *earlyExit) {
	defer close(r.chunks)

	ticks := make(chan time.Time)
	done := make(chan struct{})
	go r.relayTicks(ticks, done)

	readErr := SliceStream(stdout, ticks, merge, r.chunks)
	close(done)

	if early.isSet() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case readErr != nil:
		r.err = fmt.Errorf("%w: %v", ErrDeviceLost, readErr)
	case !r.stopped:
		r.err = fmt.Errorf("%w: %s", ErrDeviceLost, trimSpace(r.stderr.String()))
	}
	if r.err != nil {
		r.logger.Warn().Err(r.err).Msg("Microphone capture ended unexpectedly")
	}
}

// relayTicks forwards ticks once Open has started the slicing ticker.
func (r *ffmpegRecording) relayTicks(ticks chan<- time.Time, done <-chan struct{}) {
	var ticker *time.Ticker
	select {
	case ticker = <-r.started:
	case <-done:
		return
	}
	defer ticker.Stop()

	for {
		select {
		case t := <-ticker.C:
			select {
			case ticks <- t:
			case <-done:
				return
			}
		case <-done:
			return
		}
	}
}

// mergeWindow is how long a ticked chunk waits for a stop-time remainder.
func mergeWindow(interval time.Duration) time.Duration {
	if half := interval / 2; half < tailMerge {
		return half
	}
	return tailMerge
}

// Stop interrupts ffmpeg so it finalises the container, killing it if it
// does not exit in time.
func (r *ffmpegRecording) Stop() error {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.stopped = true
		r.mu.Unlock()

		if r.process != nil {
			_ = r.process.Signal(os.Interrupt)
		}

		select {
		case err, ok := <-r.waitErr:
			if ok {
				r.stopErr = normalizeStopErr(err)
			}
		case <-time.After(stopTimeout):
			if r.process != nil {
				_ = r.process.Kill()
			}
			err, ok := <-r.waitErr
			if ok {
				r.stopErr = normalizeStopErr(err)
			}
		}

		if r.stopErr != nil && r.stderr.Len() > 0 {
			r.stopErr = fmt.Errorf("%w: %s", r.stopErr, trimSpace(r.stderr.String()))
		}
	})
	return r.stopErr
}

func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func trimSpace(input string) string {
	if input == "" {
		return input
	}
	return string(bytes.TrimSpace([]byte(input)))
}

// lockedBuffer is a bytes.Buffer safe for exec's stderr copier and readers.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *lockedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}
