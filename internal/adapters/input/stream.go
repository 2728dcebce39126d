package input

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xoelrdgz/sshguard/internal/domain"
)

// DefaultStreamCommand follows sshd messages from the systemd journal,
// starting at the current end like FileTail does.
var DefaultStreamCommand = []string{
	"journalctl", "-f", "-u", "ssh", "-u", "sshd", "--no-pager", "-o", "short-iso", "--lines=0",
}

const (
	DefaultKillGrace = 2 * time.Second
	stderrTailSize   = 4096
)

type StreamConfig struct {
	Command    []string
	BufferSize int
	KillGrace  time.Duration
}

// StreamSource reads standard output of a long-running log query command.
// Stop terminates the whole process group, which also unblocks the reader.
type StreamSource struct {
	cfg      StreamConfig
	logger   zerolog.Logger
	mu       sync.Mutex
	cmd      *exec.Cmd
	running  bool
	stopChan chan struct{}
	exited   chan struct{}
}

func NewStreamSource(cfg StreamConfig, logger zerolog.Logger) *StreamSource {
	if len(cfg.Command) == 0 {
		cfg.Command = DefaultStreamCommand
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
	}
	return &StreamSource{
		cfg:    cfg,
		logger: logger.With().Str("source", "stream").Str("cmd", cfg.Command[0]).Logger(),
	}
}

func (s *StreamSource) Name() string {
	return "stream:" + strings.Join(s.cfg.Command, " ")
}

func (s *StreamSource) Format() domain.SourceFormat {
	return domain.FormatStructured
}

func (s *StreamSource) Start(ctx context.Context) (<-chan string, <-chan error) {
	lineChan := make(chan string, s.cfg.BufferSize)
	errChan := make(chan error, 10)

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		close(lineChan)
		close(errChan)
		return lineChan, errChan
	}

	fail := func(err error) (<-chan string, <-chan error) {
		s.mu.Unlock()
		s.logger.Error().Err(err).Msg("Failed to start log stream")
		errChan <- fmt.Errorf("%w: %v", domain.ErrSourceLost, err)
		close(lineChan)
		close(errChan)
		return lineChan, errChan
	}

	cmd := exec.Command(s.cfg.Command[0], s.cfg.Command[1:]...)
	setProcessGroup(cmd)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fail(err)
	}
	stderr := &tailBuffer{max: stderrTailSize}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return fail(err)
	}

	s.cmd = cmd
	s.running = true
	s.stopChan = make(chan struct{})
	s.exited = make(chan struct{})
	stop, exited := s.stopChan, s.exited
	s.mu.Unlock()

	s.logger.Info().Int("pid", cmd.Process.Pid).Msg("Started log stream")

	go s.run(ctx, cmd, stdout, stderr, stop, exited, lineChan, errChan)

	// The reader only unblocks when the process dies.
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-exited:
		}
	}()

	return lineChan, errChan
}

func (s *StreamSource) run(ctx context.Context, cmd *exec.Cmd, stdout io.Reader, stderr *tailBuffer, stop, exited chan struct{}, lineChan chan<- string, errChan chan<- error) {
	defer close(exited)
	defer close(errChan)
	defer close(lineChan)

	reader := bufio.NewReaderSize(stdout, 64*1024)
	stopped := false

read:
	for {
		line, err := readLine(reader)
		if line != "" {
			select {
			case lineChan <- line:
			case <-ctx.Done():
				stopped = true
				break read
			case <-stop:
				stopped = true
				break read
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				trySend(errChan, err)
			}
			break
		}
	}

	waitErr := cmd.Wait()

	select {
	case <-stop:
		stopped = true
	default:
	}
	if stopped || ctx.Err() != nil {
		s.logger.Debug().Err(waitErr).Msg("Log stream terminated")
		return
	}

	stderrTail := strings.TrimSpace(stderr.String())
	s.logger.Error().Err(waitErr).Str("stderr", stderrTail).Msg("Log stream exited")
	trySend(errChan, fmt.Errorf("%w: %s exited: %v: %s", domain.ErrSourceLost, s.cfg.Command[0], waitErr, stderrTail))
}

// Stop terminates the subprocess: SIGTERM to its process group, SIGKILL
// after KillGrace. Idempotent.
func (s *StreamSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false
	close(s.stopChan)

	terminateProcess(s.cmd)
	select {
	case <-s.exited:
		return nil
	case <-time.After(s.cfg.KillGrace):
	}

	s.logger.Warn().Dur("grace", s.cfg.KillGrace).Msg("Log stream ignored SIGTERM, killing")
	killProcess(s.cmd)
	select {
	case <-s.exited:
		return nil
	case <-time.After(s.cfg.KillGrace):
		return fmt.Errorf("log stream pid %d did not exit", s.cmd.Process.Pid)
	}
}

func (s *StreamSource) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// readLine returns one line without its terminator, truncated to
// domain.MaxLineLength; the remainder of an oversized line is discarded.
func readLine(r *bufio.Reader) (string, error) {
	var buf []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if len(buf) < domain.MaxLineLength {
			room := domain.MaxLineLength - len(buf)
			if len(chunk) > room {
				chunk = chunk[:room]
			}
			buf = append(buf, chunk...)
		}
		if err != nil || !isPrefix {
			return string(buf), err
		}
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
