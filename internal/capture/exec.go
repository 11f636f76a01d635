package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattn/go-shellwords"
	"github.com/rs/zerolog"
)

// ExecDevice records by running an encoder command (ffmpeg or similar) that
// writes an encoded audio stream to stdout.
type ExecDevice struct {
	args      []string
	chunkSize int
	stopWait  time.Duration
	logger    zerolog.Logger
}

// NewExecDevice parses command with shell quoting rules
func NewExecDevice(command string, chunkSize int, stopWait time.Duration, logger zerolog.Logger) (*ExecDevice, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command is empty")
	}
	if chunkSize <= 0 {
		chunkSize = 4096
	}
	if stopWait <= 0 {
		stopWait = 5 * time.Second
	}
	return &ExecDevice{args: args, chunkSize: chunkSize, stopWait: stopWait, logger: logger}, nil
}

// Name implements Device
func (d *ExecDevice) Name() string { return "exec" }

// Acquire starts the encoder and waits for its first bytes. An encoder that
// exits before producing audio is classified from its stderr.
func (d *ExecDevice) Acquire(ctx context.Context) (Stream, error) {
	path, err := exec.LookPath(d.args[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	cmd := exec.Command(path, d.args[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	s := &execStream{
		cmd:       cmd,
		stdout:    stdout,
		chunkSize: d.chunkSize,
		stopWait:  d.stopWait,
		logger:    d.logger,
		readDone:  make(chan struct{}),
	}
	cmd.Stderr = &s.stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", ErrDeviceUnavailable, d.args[0], err)
	}

	type firstRead struct {
		data []byte
		err  error
	}
	first := make(chan firstRead, 1)
	go func() {
		buf := make([]byte, d.chunkSize)
		n, err := io.ReadAtLeast(stdout, buf, 1)
		first <- firstRead{data: buf[:n], err: err}
	}()

	select {
	case <-ctx.Done():
		s.kill()
		<-first
		s.wait()
		return nil, ctx.Err()

	case r := <-first:
		if r.err != nil {
			werr := s.wait()
			return nil, classifyEncoderExit(s.stderr.String(), werr)
		}
		s.pending = r.data
		return s, nil
	}
}

// classifyEncoderExit maps an encoder that died before producing audio onto
// the capture error taxonomy
func classifyEncoderExit(stderr string, waitErr error) error {
	msg := strings.TrimSpace(stderr)
	if msg == "" && waitErr != nil {
		msg = waitErr.Error()
	}
	lower := strings.ToLower(msg)
	for _, hint := range []string{"permission", "denied", "not permitted", "not authorized"} {
		if strings.Contains(lower, hint) {
			return fmt.Errorf("%w: %s", ErrPermissionDenied, msg)
		}
	}
	if msg == "" {
		msg = "encoder produced no audio"
	}
	return fmt.Errorf("%w: %s", ErrDeviceUnavailable, msg)
}

type execStream struct {
	cmd       *exec.Cmd
	stdout    io.ReadCloser
	stderr    lockedBuffer
	pending   []byte
	chunkSize int
	stopWait  time.Duration
	logger    zerolog.Logger

	started  bool
	stopping atomic.Bool
	readDone chan struct{}

	waitOnce sync.Once
	waitErr  error
}

func (s *execStream) Start(onChunk func([]byte), onFail func(error)) error {
	if s.started {
		return errors.New("exec stream already started")
	}
	s.started = true

	go func() {
		defer close(s.readDone)

		if len(s.pending) > 0 {
			onChunk(s.pending)
			s.pending = nil
		}
		for {
			buf := make([]byte, s.chunkSize)
			n, err := io.ReadFull(s.stdout, buf)
			if n > 0 {
				onChunk(buf[:n])
			}
			if err == nil {
				continue
			}
			if s.stopping.Load() {
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				werr := s.wait()
				if werr == nil {
					onFail(io.EOF)
					return
				}
				onFail(fmt.Errorf("encoder exited: %v: %s", werr, strings.TrimSpace(s.stderr.String())))
				return
			}
			onFail(fmt.Errorf("read encoder output: %w", err))
			return
		}
	}()
	return nil
}

// Stop interrupts the encoder so it finalizes its container, then drains
// stdout. The encoder is killed if it does not exit within stopWait.
func (s *execStream) Stop() error {
	s.stopping.Store(true)
	if !s.started {
		return nil
	}
	if err := s.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Debug().Err(err).Msg("Interrupt not delivered, killing encoder")
		s.kill()
	}

	select {
	case <-s.readDone:
	case <-time.After(s.stopWait):
		s.logger.Warn().Dur("wait", s.stopWait).Msg("Encoder did not flush in time, killing it")
		s.kill()
		<-s.readDone
	}

	// An interrupted encoder usually exits non-zero; that is the normal stop path
	s.wait()
	return nil
}

func (s *execStream) Close() error {
	s.stopping.Store(true)
	s.kill()
	if s.started {
		<-s.readDone
	}
	s.wait()
	return nil
}

func (s *execStream) kill() {
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
}

// wait reaps the encoder once. Callers must be done reading stdout.
func (s *execStream) wait() error {
	s.waitOnce.Do(func() {
		s.waitErr = s.cmd.Wait()
	})
	return s.waitErr
}

// lockedBuffer guards stderr, which exec copies from its own goroutine
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
