package audio

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"
)

// stepReader hands out one scripted read per call to next.
type stepReader struct {
	steps chan []byte
}

func (s *stepReader) Read(p []byte) (int, error) {
	data, ok := <-s.steps
	if !ok {
		return 0, io.EOF
	}
	return copy(p, data), nil
}

func collect(out <-chan []byte) [][]byte {
	var chunks [][]byte
	for chunk := range out {
		chunks = append(chunks, chunk)
	}
	return chunks
}

func TestSliceStreamEmitsPerTick(t *testing.T) {
	reader := &stepReader{steps: make(chan []byte)}
	tick := make(chan time.Time)
	out := make(chan []byte, 10)

	done := make(chan error, 1)
	go func() {
		done <- SliceStream(reader, tick, 0, out)
		close(out)
	}()

	reader.steps <- []byte("ab")
	reader.steps <- []byte("cd")
	// The next send only completes once the previous read was consumed.
	reader.steps <- []byte("e")
	time.Sleep(20 * time.Millisecond)
	tick <- time.Now()

	// An interval with no data produces no chunk.
	tick <- time.Now()

	reader.steps <- []byte("fg")
	time.Sleep(20 * time.Millisecond)
	tick <- time.Now()

	reader.steps <- []byte("tail")
	close(reader.steps)

	if err := <-done; err != nil {
		t.Fatalf("Expected nil error at EOF, got %v", err)
	}

	chunks := collect(out)
	want := []string{"abcde", "fg", "tail"}
	if len(chunks) != len(want) {
		t.Fatalf("Expected %d chunks, got %d: %q", len(want), len(chunks), chunks)
	}
	for i := range want {
		if string(chunks[i]) != want[i] {
			t.Errorf("Chunk %d: expected %q, got %q", i, want[i], chunks[i])
		}
	}
}

func TestSliceStreamConservesBytes(t *testing.T) {
	input := bytes.Repeat([]byte("0123456789"), 5000)
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	out := make(chan []byte, 1024)
	if err := SliceStream(bytes.NewReader(input), ticker.C, 0, out); err != nil {
		t.Fatalf("SliceStream failed: %v", err)
	}
	close(out)

	var joined []byte
	for _, chunk := range collect(out) {
		if len(chunk) == 0 {
			t.Error("Expected no empty chunks")
		}
		joined = append(joined, chunk...)
	}
	if !bytes.Equal(joined, input) {
		t.Errorf("Expected %d bytes back, got %d", len(input), len(joined))
	}
}

type failingReader struct{}

func (failingReader) Read(p []byte) (int, error) {
	return copy(p, "xy"), errors.New("device unplugged")
}

func TestSliceStreamReturnsReadError(t *testing.T) {
	out := make(chan []byte, 4)
	err := SliceStream(failingReader{}, make(chan time.Time), 0, out)
	if err == nil || err.Error() != "device unplugged" {
		t.Fatalf("Expected read error, got %v", err)
	}
	close(out)

	chunks := collect(out)
	if len(chunks) != 1 || string(chunks[0]) != "xy" {
		t.Errorf("Expected remainder flushed before error, got %q", chunks)
	}
}

func TestSliceStreamMergesTailIntoHeldChunk(t *testing.T) {
	reader := &stepReader{steps: make(chan []byte)}
	tick := make(chan time.Time)
	out := make(chan []byte, 10)

	done := make(chan error, 1)
	go func() {
		done <- SliceStream(reader, tick, time.Hour, out)
		close(out)
	}()

	reader.steps <- []byte("one")
	reader.steps <- []byte("-")
	time.Sleep(20 * time.Millisecond)
	tick <- time.Now()

	// A second tick releases the held chunk before slicing the next one.
	reader.steps <- []byte("two")
	reader.steps <- []byte("-")
	time.Sleep(20 * time.Millisecond)
	tick <- time.Now()

	reader.steps <- []byte("tail")
	close(reader.steps)

	if err := <-done; err != nil {
		t.Fatalf("Expected nil error at EOF, got %v", err)
	}

	chunks := collect(out)
	want := []string{"one-", "two-tail"}
	if len(chunks) != len(want) {
		t.Fatalf("Expected %d chunks, got %d: %q", len(want), len(chunks), chunks)
	}
	for i := range want {
		if string(chunks[i]) != want[i] {
			t.Errorf("Chunk %d: expected %q, got %q", i, want[i], chunks[i])
		}
	}
}

func TestSliceStreamReleasesHeldChunkAfterWindow(t *testing.T) {
	reader := &stepReader{steps: make(chan []byte)}
	tick := make(chan time.Time)
	out := make(chan []byte, 10)

	done := make(chan error, 1)
	go func() {
		done <- SliceStream(reader, tick, 10*time.Millisecond, out)
		close(out)
	}()

	reader.steps <- []byte("first")
	reader.steps <- []byte("!")
	time.Sleep(20 * time.Millisecond)
	tick <- time.Now()

	select {
	case chunk := <-out:
		if string(chunk) != "first!" {
			t.Errorf("Expected 'first!', got %q", chunk)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for held chunk to be released")
	}

	close(reader.steps)
	if err := <-done; err != nil {
		t.Fatalf("Expected nil error at EOF, got %v", err)
	}
	if rest := collect(out); len(rest) != 0 {
		t.Errorf("Expected no further chunks, got %q", rest)
	}
}
