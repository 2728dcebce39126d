package input

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	stdlog "log"
	"os"
	"sync"
	"time"

	"github.com/nxadm/tail"
	"github.com/nxadm/tail/watch"
	"github.com/rs/zerolog"

	"github.com/xoelrdgz/sshguard/internal/domain"
)

const (
	// DefaultPollInterval is the sleep between empty reads of the followed file.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultLossGrace is how long the file may stay missing after rotation
	// before the source is declared lost.
	DefaultLossGrace = 30 * time.Second

	defaultBufferSize = 1000
	lossCheckInterval = time.Second
)

func init() {
	watch.POLL_DURATION = DefaultPollInterval
}

type FileTailConfig struct {
	Path          string
	BufferSize    int
	LossGrace     time.Duration
	FromBeginning bool
}

// FileTail follows an append-only log file from its current end.
// Truncation and rotation are handled by reopening the path.
type FileTail struct {
	cfg      FileTailConfig
	logger   zerolog.Logger
	tail     *tail.Tail
	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
}

func NewFileTail(cfg FileTailConfig, logger zerolog.Logger) *FileTail {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.LossGrace <= 0 {
		cfg.LossGrace = DefaultLossGrace
	}
	return &FileTail{
		cfg:      cfg,
		logger:   logger.With().Str("source", "file").Str("file", cfg.Path).Logger(),
		stopChan: make(chan struct{}),
	}
}

func (t *FileTail) Name() string {
	return "file:" + t.cfg.Path
}

func (t *FileTail) Format() domain.SourceFormat {
	return domain.FormatSyslog
}

func (t *FileTail) Start(ctx context.Context) (<-chan string, <-chan error) {
	lineChan := make(chan string, t.cfg.BufferSize)
	errChan := make(chan error, 10)

	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		close(lineChan)
		close(errChan)
		return lineChan, errChan
	}

	whence := io.SeekEnd
	if t.cfg.FromBeginning {
		whence = io.SeekStart
	}

	tl, err := tail.TailFile(t.cfg.Path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: true,
		Poll:      true,
		Location:  &tail.SeekInfo{Offset: 0, Whence: whence},
		Logger:    stdlog.New(t.logger, "", 0),
	})
	if err != nil {
		t.mu.Unlock()
		t.logger.Error().Err(err).Msg("Failed to tail file")
		errChan <- fmt.Errorf("%w: %s: %v", domain.ErrSourceLost, t.cfg.Path, err)
		close(lineChan)
		close(errChan)
		return lineChan, errChan
	}

	t.tail = tl
	t.running = true
	t.stopChan = make(chan struct{})
	stop := t.stopChan
	t.mu.Unlock()

	t.logger.Info().Msg("Started tailing log file")

	go t.run(ctx, tl, stop, lineChan, errChan)

	return lineChan, errChan
}

func (t *FileTail) run(ctx context.Context, tl *tail.Tail, stop <-chan struct{}, lineChan chan<- string, errChan chan<- error) {
	defer close(lineChan)
	defer close(errChan)

	check := time.NewTicker(lossCheckInterval)
	defer check.Stop()

	var missingSince time.Time

	for {
		select {
		case <-ctx.Done():
			t.logger.Debug().Msg("Context cancelled, stopping tailer")
			return
		case <-stop:
			t.logger.Debug().Msg("Stop signal received, stopping tailer")
			return
		case <-check.C:
			_, err := os.Stat(t.cfg.Path)
			switch {
			case err == nil:
				missingSince = time.Time{}
			case errors.Is(err, fs.ErrNotExist):
				if missingSince.IsZero() {
					missingSince = time.Now()
					t.logger.Warn().Msg("Log file missing, waiting for it to reappear")
					continue
				}
				if time.Since(missingSince) >= t.cfg.LossGrace {
					t.logger.Error().Dur("missing_for", time.Since(missingSince)).Msg("Log file gone")
					trySend(errChan, fmt.Errorf("%w: %s removed", domain.ErrSourceLost, t.cfg.Path))
					return
				}
			default:
				trySend(errChan, err)
			}
		case line, ok := <-tl.Lines:
			if !ok {
				select {
				case <-stop:
					return
				default:
				}
				err := tl.Err()
				t.logger.Error().Err(err).Msg("Tail channel closed")
				trySend(errChan, fmt.Errorf("%w: %s: %v", domain.ErrSourceLost, t.cfg.Path, err))
				return
			}
			if line.Err != nil {
				t.logger.Warn().Err(line.Err).Msg("Error reading line")
				trySend(errChan, line.Err)
				continue
			}
			if line.Text == "" {
				continue
			}

			text := line.Text
			if len(text) > domain.MaxLineLength {
				text = text[:domain.MaxLineLength]
			}

			select {
			case lineChan <- text:
			case <-ctx.Done():
				return
			case <-stop:
				return
			}
		}
	}
}

// Stop ends the follow loop and releases the file handle. Idempotent.
func (t *FileTail) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return nil
	}

	close(t.stopChan)
	t.running = false

	if t.tail == nil {
		return nil
	}
	err := t.tail.Stop()
	t.tail.Cleanup()
	return err
}

func (t *FileTail) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func trySend(errChan chan<- error, err error) {
	select {
	case errChan <- err:
	default:
	}
}
