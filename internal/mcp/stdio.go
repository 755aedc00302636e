package mcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// stopGrace is how long Close waits for a subprocess to exit after its
// stdin is closed before killing it.
const stopGrace = 5 * time.Second

// StdioConfig configures a stdio MCP transport that communicates with
// a subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"). These are appended to the current
	// process environment.
	Env []string

	// Dir is the working directory. Empty inherits ours.
	Dir string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport communicates with an MCP server running as a
// subprocess. Frames are newline-delimited on stdin/stdout; stderr is
// diagnostic output and goes to the debug log.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger

	writeMu sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser

	frames  chan []byte
	closing chan struct{} // closed by Close
	done    chan struct{} // closed when the stdout reader exits
	drained chan struct{} // closed when stderr reaches EOF
	exited  chan struct{} // closed after cmd.Wait returns
	readErr error         // valid after done is closed

	closeOnce sync.Once
}

// NewStdioTransport creates a stdio transport for the given config.
// The subprocess is started by Open.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		config:  cfg,
		logger:  logger,
		frames:  make(chan []byte, 64),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
		drained: make(chan struct{}),
		exited:  make(chan struct{}),
	}
}

// Open launches the subprocess and starts the background reader. The
// subprocess lifetime is independent of ctx; only Close ends it.
func (t *StdioTransport) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.config.Command == "" {
		return errors.New("stdio transport requires a command")
	}

	t.logger.Info("starting MCP subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)
	cmd.Dir = t.config.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stderrPipe.Close()
		stdout.Close()
		stdin.Close()
		return fmt.Errorf("start subprocess %s: %w", t.config.Command, err)
	}

	t.cmd = cmd
	t.stdin = stdin

	go t.drainStderr(stderrPipe)
	go t.readLoop(bufio.NewReaderSize(stdout, 1<<20)) // 1 MiB buffer for large responses
	go func() {
		// Wait closes the pipes, so both readers must hit EOF first.
		<-t.done
		<-t.drained
		err := cmd.Wait()
		t.logger.Debug("MCP subprocess exited", "pid", cmd.Process.Pid, "error", err)
		close(t.exited)
	}()

	t.logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// drainStderr reads stderr lines and logs them at debug level.
func (t *StdioTransport) drainStderr(r io.Reader) {
	defer close(t.drained)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		t.logger.Debug("MCP subprocess stderr unreadable, discarding", "error", err)
		_, _ = io.Copy(io.Discard, r)
	}
}

// readLoop splits stdout into frames. ReadBytes buffers partial lines
// until the newline arrives. Lines that are not JSON objects are
// logged and dropped.
func (t *StdioTransport) readLoop(r *bufio.Reader) {
	defer close(t.done)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			if isJSONObject(line) {
				frame := append([]byte(nil), line...)
				select {
				case t.frames <- frame:
				case <-t.closing:
					t.readErr = ErrClosed
					return
				}
			} else if len(trimNewline(line)) > 0 {
				t.logger.Debug("skipping non-JSON line from MCP subprocess",
					"line", string(trimNewline(line)),
				)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				t.readErr = fmt.Errorf("subprocess closed stdout: %w", ErrClosed)
			} else {
				t.readErr = fmt.Errorf("read from subprocess stdout: %w: %w", ErrClosed, err)
			}
			return
		}
	}
}

// Send writes one frame followed by a newline. Writes to an unbuffered
// pipe are flushed immediately.
func (t *StdioTransport) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-t.closing:
		return ErrClosed
	case <-t.done:
		return t.readErr
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.stdin == nil {
		return fmt.Errorf("stdio transport not open: %w", ErrClosed)
	}
	buf := make([]byte, 0, len(frame)+1)
	buf = append(append(buf, frame...), '\n')
	if _, err := t.stdin.Write(buf); err != nil {
		return fmt.Errorf("write to subprocess stdin: %w", err)
	}
	t.logger.Log(ctx, LevelTrace, "MCP frame sent", "frame", string(frame))
	return nil
}

// Receive returns the next frame from stdout. Frames already buffered
// when the subprocess exits are still delivered before ErrClosed.
func (t *StdioTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case f := <-t.frames:
		return f, nil
	case <-t.done:
		select {
		case f := <-t.frames:
			return f, nil
		default:
		}
		return nil, t.readErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close terminates the subprocess: stdin is closed to ask it to exit,
// and it is killed if it has not exited within the grace period.
func (t *StdioTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closing)

		t.writeMu.Lock()
		if t.stdin != nil {
			t.stdin.Close()
		}
		t.writeMu.Unlock()

		if t.cmd == nil || t.cmd.Process == nil {
			return
		}
		pid := t.cmd.Process.Pid
		t.logger.Info("stopping MCP subprocess", "pid", pid)

		select {
		case <-t.exited:
		case <-time.After(stopGrace):
			t.logger.Warn("MCP subprocess did not exit gracefully, killing", "pid", pid)
			_ = t.cmd.Process.Kill()
			select {
			case <-t.exited:
			case <-time.After(stopGrace):
				t.logger.Warn("MCP subprocess output still open after kill", "pid", pid)
			}
		}
	})
	return nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
