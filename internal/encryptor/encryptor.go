// Package encryptor drives an external symmetric-encryption subprocess
// (gpg in batch/symmetric mode) and exposes a blocking write-end and an
// asynchronous ciphertext read-end. The passphrase crosses the process
// boundary only through a dedicated, close-on-exec file descriptor,
// never the command line or environment.
package encryptor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/konishchev/vsbsync/internal/util/buffers"
)

// terminationGrace is the window given to the subprocess to exit on
// its own before it is forcibly killed during teardown.
const terminationGrace = 3 * time.Second

// errClosed is returned from Write/Flush called after a clean Finish.
var errClosed = errors.New("encryptor: closed")

// Chunk is a contiguous ciphertext byte slice.
type Chunk []byte

// ChunkResult is one item of the ChunkReceiver: either a ciphertext
// chunk or a terminal error.
type ChunkResult struct {
	Chunk Chunk
	Err   error
}

// Encryptor is the synchronous write-end over the gpg subprocess. It
// transitions to a sticky failed state on the first write or flush
// error; all further writes, flushes, and Finish return that same
// error.
type Encryptor struct {
	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    *bufio.Writer
	stdinRaw io.WriteCloser
	chunks   chan ChunkResult
	bgResult chan error

	closed bool
	result error
}

// New spawns gpg in batch/symmetric mode with compression disabled,
// passes passphrase via a dedicated file descriptor, writes the full
// passphrase before returning, and starts the background reader tasks.
// Returns the write handle and the buffered, capacity-2 chunk
// receiver.
func New(passphrase string) (*Encryptor, <-chan ChunkResult, error) {
	passphraseRead, passphraseWrite, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("unable to create a passphrase pipe: %w", err)
	}

	cmd := exec.Command("gpg",
		"--batch", "--symmetric",
		"--passphrase-fd", "3",
		"--compress-algo", "none",
	)
	cmd.ExtraFiles = []*os.File{passphraseRead}

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		passphraseRead.Close()
		passphraseWrite.Close()
		return nil, nil, fmt.Errorf("unable to open gpg stdin: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		passphraseRead.Close()
		passphraseWrite.Close()
		return nil, nil, fmt.Errorf("unable to open gpg stdout: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		passphraseRead.Close()
		passphraseWrite.Close()
		return nil, nil, fmt.Errorf("unable to open gpg stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		passphraseRead.Close()
		passphraseWrite.Close()
		return nil, nil, fmt.Errorf("unable to spawn a gpg process: %w", err)
	}

	// The child has its own copy of the read end; the parent's copy
	// must be closed so the pipe's only remaining reader is gpg.
	passphraseRead.Close()

	chunks := make(chan ChunkResult, 2)
	bgResult := make(chan error, 1)

	e := &Encryptor{
		cmd:      cmd,
		stdin:    bufio.NewWriter(stdinPipe),
		stdinRaw: stdinPipe,
		chunks:   chunks,
		bgResult: bgResult,
	}

	go e.readLoop(stdoutPipe, stderrPipe, chunks, bgResult)

	_, werr := passphraseWrite.Write([]byte(passphrase))
	passphraseWrite.Close()
	if werr != nil {
		_ = e.Finish()
		return nil, nil, fmt.Errorf("failed to pass encryption passphrase to gpg: %w", werr)
	}

	return e, chunks, nil
}

// Write sends cleartext to the subprocess's standard input. Blocks
// only under backpressure from the subprocess's stdin buffer.
func (e *Encryptor) Write(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return 0, e.writeAfterCloseErr()
	}

	n, err := e.stdin.Write(p)
	if err != nil {
		closeErr := e.closeLocked(err)
		return n, closeErr
	}
	return n, nil
}

// Flush pushes any buffered cleartext into the subprocess's stdin.
func (e *Encryptor) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return e.writeAfterCloseErr()
	}

	if err := e.stdin.Flush(); err != nil {
		return e.closeLocked(err)
	}
	return nil
}

// writeAfterCloseErr reports the sticky failure if the encryptor was
// closed by an error, or a generic closed error if it was closed
// cleanly by Finish — either way, writing after close is a caller bug.
func (e *Encryptor) writeAfterCloseErr() error {
	if e.result != nil {
		return e.result
	}
	return errClosed
}

// Finish tears the encryptor down: it closes stdin (signaling EOF to
// gpg), joins the background reader, and folds the first error
// observed (from an earlier sticky failure, the close itself, or the
// subprocess) into the return value. Safe to call more than once; it
// returns the same result every time.
func (e *Encryptor) Finish() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closeLocked(nil)
}

func (e *Encryptor) closeLocked(incoming error) error {
	if e.closed {
		return e.result
	}

	result := incoming

	if flushErr := e.stdin.Flush(); flushErr != nil && result == nil {
		result = flushErr
	}
	// Dropping the writer closes the pipe, signaling EOF to gpg so it
	// can finish its work and the stdout reader can observe clean EOF.
	e.stdinRaw.Close()

	select {
	case bgErr := <-e.bgResult:
		if bgErr != nil && result == nil {
			result = bgErr
		}
	case <-time.After(terminationGrace):
		terminateProcess(e.cmd)
		if bgErr := <-e.bgResult; bgErr != nil && result == nil {
			result = bgErr
		}
	}

	if result != nil {
		select {
		case e.chunks <- ChunkResult{Err: result}:
		default:
			// Receiver has already closed or the buffer is full; the
			// failure was already observed by some earlier item.
		}
	}

	// readLoop has already returned by this point (bgResult was sent
	// after it finished forwarding every chunk), so closing here is
	// race-free and lets a consumer ranging over the receiver terminate
	// on a clean channel close instead of blocking forever.
	close(e.chunks)

	e.result = result
	e.closed = true
	return result
}

// readLoop is the single background task that reads ciphertext from
// gpg's stdout, forwards it as Chunks, then joins the stderr reader
// and waits for the process, folding everything into one result.
func (e *Encryptor) readLoop(stdout io.Reader, stderr io.Reader, chunks chan<- ChunkResult, bgResult chan<- error) {
	stderrDone := make(chan string, 1)
	go func() {
		data, _ := io.ReadAll(stderr)
		stderrDone <- strings.TrimRight(string(data), "\n\r \t")
	}()

	readErr := readChunks(stdout, chunks)
	if readErr != nil {
		terminateProcess(e.cmd)
		<-stderrDone
		_ = e.cmd.Wait()
		bgResult <- readErr
		return
	}

	stderrText := <-stderrDone
	waitErr := e.cmd.Wait()

	switch {
	case stderrText != "":
		bgResult <- fmt.Errorf("gpg error: %s", stderrText)
	case waitErr != nil:
		bgResult <- fmt.Errorf("gpg process has terminated with an error exit code: %w", waitErr)
	default:
		bgResult <- nil
	}
}

// readChunks reads gpg's stdout in bounded chunks and forwards each
// non-empty read as a Chunk, preserving exact byte order.
func readChunks(r io.Reader, chunks chan<- ChunkResult) error {
	bufp := buffers.GetSmallBuffer()
	defer buffers.PutSmallBuffer(bufp)

	buf := *bufp
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			chunks <- ChunkResult{Chunk: chunk}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("gpg stdout reading error: %w", err)
		}
	}
}

// terminateProcess sends SIGTERM, waits out the grace period, then
// sends SIGKILL unconditionally. It never calls Wait itself — exactly
// one goroutine (readLoop) owns that — so a process that already
// exited on its own just makes the Kill a harmless no-op.
func terminateProcess(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	time.Sleep(terminationGrace)
	_ = cmd.Process.Kill()
}
