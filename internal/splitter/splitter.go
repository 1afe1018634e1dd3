// Package splitter re-frames a byte stream into size-capped sub-streams
// with offsets. The rendezvous (capacity-0) channels it uses are
// load-bearing: they couple the archive read rate to the upload rate
// end to end.
package splitter

import "fmt"

// DataFrame is the splitter's input: a tagged union of either a
// payload chunk or the terminal end-of-stream frame carrying the
// checksum token.
type DataFrame struct {
	Payload []byte // set when this is a payload frame
	Eof     bool   // true for the terminal frame
	Token   string // checksum token, valid only when Eof is true
	Err     error  // set for an error frame from the input side
}

// Payload constructs a payload data-frame.
func Payload(p []byte) DataFrame { return DataFrame{Payload: p} }

// EofFrame constructs the terminal end-of-stream frame.
func EofFrame(token string) DataFrame { return DataFrame{Eof: true, Token: token} }

// ErrFrame constructs an error data-frame.
func ErrFrame(err error) DataFrame { return DataFrame{Err: err} }

// ChunkItem is one item on a sub-stream's chunk channel: either a
// ciphertext slice or a terminal error.
type ChunkItem struct {
	Chunk []byte
	Err   error
}

// SubStream is one size-capped segment: its starting offset and a
// capacity-0 channel of chunks belonging to it. The channel is closed
// once the sub-stream is complete (by the splitter moving on to the
// next one, or by Eof/error).
type SubStream struct {
	StartOffset int64
	Chunks      <-chan ChunkItem
}

// Output is one item emitted on the outer (capacity-0) stream-of-streams
// channel: either a new sub-stream to upload, or the terminal record
// carrying the total byte count and checksum token.
type Output struct {
	Stream        *SubStream
	EofWithCheck  bool
	FinalOffset   int64
	ChecksumToken string
}

// Run consumes in (a synchronous channel of DataFrames) and emits
// sub-streams capped at maxSize on out (capacity 0). It
// returns once the input is exhausted (Eof or error observed) or the
// consumer abandons the outer channel. Intended to run in its own
// goroutine; the caller should range over out until it closes.
func Run(in <-chan DataFrame, maxSize int64, out chan<- Output) {
	defer close(out)

	if maxSize <= 0 {
		panic(fmt.Sprintf("splitter: maxSize must be positive, got %d", maxSize))
	}

	var offset int64
	var streamSize int64
	chunks := make(chan ChunkItem)

	openStream := func() {
		out <- Output{Stream: &SubStream{StartOffset: offset, Chunks: chunks}}
	}
	closeStream := func() {
		close(chunks)
	}

	openStream()

	for frame := range in {
		switch {
		case frame.Err != nil:
			chunks <- ChunkItem{Err: frame.Err}
			closeStream()
			// Drain exactly one more item to assert the input is empty;
			// any additional item is a programming error in the feeding
			// stage.
			if extra, ok := <-in; ok {
				panic(fmt.Sprintf("splitter: input produced a frame after an error frame: %+v", extra))
			}
			return

		case frame.Eof:
			closeStream()
			out <- Output{EofWithCheck: true, FinalOffset: offset, ChecksumToken: frame.Token}
			return

		default:
			remaining := frame.Payload
			for len(remaining) > 0 {
				available := maxSize - streamSize
				if int64(len(remaining)) <= available {
					chunks <- ChunkItem{Chunk: remaining}
					offset += int64(len(remaining))
					streamSize += int64(len(remaining))
					remaining = nil
				} else {
					head, tail := remaining[:available], remaining[available:]
					if available > 0 {
						chunks <- ChunkItem{Chunk: head}
						offset += available
					}
					closeStream()

					chunks = make(chan ChunkItem)
					streamSize = 0
					openStream()

					remaining = tail
				}
			}
		}
	}
}
