package splitter

import (
	"bytes"
	"errors"
	"testing"
)

// drain collects every sub-stream's bytes and the terminal record.
type drained struct {
	streams [][]byte
	offsets []int64
	final   *Output
	errItem error
}

func runAndDrain(t *testing.T, frames []DataFrame, maxSize int64) drained {
	t.Helper()

	in := make(chan DataFrame)
	out := make(chan Output)

	go func() {
		defer close(in)
		for _, f := range frames {
			in <- f
		}
	}()

	go Run(in, maxSize, out)

	var d drained
	for o := range out {
		if o.EofWithCheck {
			oCopy := o
			d.final = &oCopy
			continue
		}

		var buf bytes.Buffer
		d.offsets = append(d.offsets, o.Stream.StartOffset)
		for item := range o.Stream.Chunks {
			if item.Err != nil {
				d.errItem = item.Err
				continue
			}
			buf.Write(item.Chunk)
		}
		d.streams = append(d.streams, buf.Bytes())
	}
	return d
}

func TestEmptyCleartextEmitsOneStreamAndEOF(t *testing.T) {
	d := runAndDrain(t, []DataFrame{EofFrame("tok")}, 1<<20)

	if len(d.streams) != 1 {
		t.Fatalf("expected exactly one sub-stream, got %d", len(d.streams))
	}
	if len(d.streams[0]) != 0 {
		t.Errorf("expected empty sub-stream, got %d bytes", len(d.streams[0]))
	}
	if d.final == nil {
		t.Fatal("expected terminal EOF record")
	}
	if d.final.FinalOffset != 0 {
		t.Errorf("expected final offset 0, got %d", d.final.FinalOffset)
	}
	if d.final.ChecksumToken != "tok" {
		t.Errorf("expected token 'tok', got %q", d.final.ChecksumToken)
	}
}

func TestExactBoundarySplitsIntoTwoStreams(t *testing.T) {
	const m = 8
	payload := bytes.Repeat([]byte{'A'}, m+1)

	d := runAndDrain(t, []DataFrame{Payload(payload), EofFrame("tok")}, m)

	if len(d.streams) != 2 {
		t.Fatalf("expected 2 sub-streams, got %d", len(d.streams))
	}
	if len(d.streams[0]) != m {
		t.Errorf("first sub-stream = %d bytes, want %d", len(d.streams[0]), m)
	}
	if len(d.streams[1]) != 1 {
		t.Errorf("second sub-stream = %d bytes, want 1", len(d.streams[1]))
	}
	if d.offsets[0] != 0 || d.offsets[1] != m {
		t.Errorf("offsets = %v, want [0 %d]", d.offsets, m)
	}
	if d.final.FinalOffset != m+1 {
		t.Errorf("final offset = %d, want %d", d.final.FinalOffset, m+1)
	}
}

func TestConcatenationPreservesAllBytes(t *testing.T) {
	const m = 5
	payloads := [][]byte{
		[]byte("hello"),
		[]byte(" "),
		[]byte("world, this is a longer payload than M"),
		[]byte("!"),
	}
	var frames []DataFrame
	var want bytes.Buffer
	for _, p := range payloads {
		frames = append(frames, Payload(p))
		want.Write(p)
	}
	frames = append(frames, EofFrame("tok"))

	d := runAndDrain(t, frames, m)

	var got bytes.Buffer
	for i, s := range d.streams {
		if int64(len(s)) > m {
			t.Errorf("sub-stream %d exceeds cap: %d > %d", i, len(s), m)
		}
		got.Write(s)
	}
	if !bytes.Equal(got.Bytes(), want.Bytes()) {
		t.Errorf("concatenation mismatch:\ngot  %q\nwant %q", got.Bytes(), want.Bytes())
	}

	for i := 1; i < len(d.offsets); i++ {
		if d.offsets[i] <= d.offsets[i-1] {
			t.Errorf("offsets not strictly increasing: %v", d.offsets)
		}
	}
}

func TestZeroLengthPayloadIsANoOp(t *testing.T) {
	d := runAndDrain(t, []DataFrame{
		Payload([]byte("abc")),
		Payload(nil),
		EofFrame("tok"),
	}, 1<<20)

	if len(d.streams) != 1 {
		t.Fatalf("expected 1 sub-stream, got %d", len(d.streams))
	}
	if string(d.streams[0]) != "abc" {
		t.Errorf("got %q, want %q", d.streams[0], "abc")
	}
}

func TestErrorFrameForwardsAndDrainsOneMore(t *testing.T) {
	boom := errors.New("boom")

	in := make(chan DataFrame, 2)
	in <- ErrFrame(boom)
	// The splitter drains exactly one more item after an error
	// frame; a well-formed producer sends nothing further, so close
	// the channel to represent that.
	close(in)

	out := make(chan Output)
	go Run(in, 1<<20, out)

	o := <-out
	if o.Stream == nil {
		t.Fatal("expected a sub-stream to be open when the error arrived")
	}
	item := <-o.Stream.Chunks
	if item.Err == nil || item.Err.Error() != "boom" {
		t.Errorf("expected forwarded error 'boom', got %v", item.Err)
	}

	if _, ok := <-out; ok {
		t.Error("expected outer channel to close after an error frame")
	}
}
