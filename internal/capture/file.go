package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"time"
)

// FileDevice replays an encoded recording from disk as if it were a microphone
type FileDevice struct {
	path      string
	chunkSize int
	pace      time.Duration
}

// NewFileDevice creates a replay device. A zero pace emits chunks back to back.
func NewFileDevice(path string, chunkSize int, pace time.Duration) *FileDevice {
	if chunkSize <= 0 {
		chunkSize = 4096
	}
	return &FileDevice{path: path, chunkSize: chunkSize, pace: pace}
}

// Name implements Device
func (d *FileDevice) Name() string { return "file" }

// Acquire opens the file. A missing file is an unavailable device, an
// unreadable one a denied permission.
func (d *FileDevice) Acquire(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(d.path)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrPermission):
		return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	default:
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	return &fileStream{file: f, chunkSize: d.chunkSize, pace: d.pace, stop: make(chan struct{})}, nil
}

type fileStream struct {
	file      *os.File
	chunkSize int
	pace      time.Duration

	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func (s *fileStream) Start(onChunk func([]byte), onFail func(error)) error {
	if s.done != nil {
		return errors.New("file stream already started")
	}
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		var tick <-chan time.Time
		if s.pace > 0 {
			ticker := time.NewTicker(s.pace)
			defer ticker.Stop()
			tick = ticker.C
		}

		for {
			select {
			case <-s.stop:
				return
			default:
			}

			buf := make([]byte, s.chunkSize)
			n, err := io.ReadFull(s.file, buf)
			if n > 0 {
				onChunk(buf[:n])
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				// End of file behaves like silence until stopped
				<-s.stop
				return
			}
			if err != nil {
				onFail(fmt.Errorf("read %s: %w", s.file.Name(), err))
				return
			}

			if tick != nil {
				select {
				case <-tick:
				case <-s.stop:
					return
				}
			}
		}
	}()
	return nil
}

func (s *fileStream) Stop() error {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.done != nil {
		<-s.done
	}
	return nil
}

func (s *fileStream) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.closeOnce.Do(func() {
		s.closeErr = s.file.Close()
	})
	return s.closeErr
}
