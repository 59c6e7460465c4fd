package audio

import (
	"errors"
	"io"
	"os"
	"time"
)

const readBufferSize = 4096

// SliceStream reads r and emits everything read since the previous tick as
// one chunk on every tick. The remainder is flushed once r is exhausted.
// Empty intervals produce no chunk. It returns the read error, or nil at EOF.
//
// With a positive merge window a ticked chunk is held for that long before it
// is emitted, and a remainder that arrives while it is held is appended to it
// rather than emitted as a chunk of its own.
func SliceStream(r io.Reader, tick <-chan time.Time, merge time.Duration, out chan<- []byte) error {
	type readResult struct {
		data []byte
		err  error
	}

	reads := make(chan readResult)
	go func() {
		defer close(reads)
		for {
			buf := make([]byte, readBufferSize)
			n, err := r.Read(buf)
			if n > 0 {
				reads <- readResult{data: buf[:n]}
			}
			if err != nil {
				reads <- readResult{err: err}
				return
			}
		}
	}()

	var (
		pending []byte
		held    []byte
		release <-chan time.Time
		timer   *time.Timer
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	emitHeld := func() {
		if held != nil {
			out <- held
			held = nil
		}
		release = nil
	}
	// finish emits the held chunk together with whatever arrived after it.
	finish := func() {
		if held != nil {
			held = append(held, pending...)
			pending = nil
			emitHeld()
			return
		}
		if len(pending) > 0 {
			out <- pending
			pending = nil
		}
	}

	for {
		select {
		case res, ok := <-reads:
			if !ok {
				finish()
				return nil
			}
			if res.err != nil {
				finish()
				if errors.Is(res.err, io.EOF) || errors.Is(res.err, io.ErrClosedPipe) || errors.Is(res.err, os.ErrClosed) {
					return nil
				}
				return res.err
			}
			pending = append(pending, res.data...)
		case <-tick:
			emitHeld()
			if len(pending) == 0 {
				continue
			}
			if merge <= 0 {
				out <- pending
				pending = nil
				continue
			}
			held, pending = pending, nil
			if timer == nil {
				timer = time.NewTimer(merge)
			} else {
				timer.Reset(merge)
			}
			release = timer.C
		case <-release:
			emitHeld()
		}
	}
}
