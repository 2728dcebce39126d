package output

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xoelrdgz/sshguard/internal/domain"
)

// BlockEvent is one JSON line of the block feed.
type BlockEvent struct {
	Decision  *domain.BlockDecision `json:"decision"`
	Backend   string                `json:"backend"`
	Simulated bool                  `json:"simulated"`
	Outcome   string                `json:"outcome"`
	Error     string                `json:"error,omitempty"`
	At        time.Time             `json:"at"`
}

// JSONFeed writes every block attempt as a JSON line, for log shippers.
//
// Writes are buffered (64KB) and flushed every second and on Close.
type JSONFeed struct {
	bufWriter *bufio.Writer
	file      *os.File
	encoder   *json.Encoder
	logger    zerolog.Logger
	mu        sync.Mutex
	stopFlush chan struct{}
	closeOnce sync.Once
	now       func() time.Time
}

type JSONFeedConfig struct {
	FilePath string // Appended to, created 0600
	Stdout   bool
}

// NewJSONFeed opens the destination. Stdout wins over FilePath; with
// neither set the feed discards.
func NewJSONFeed(config JSONFeedConfig, logger zerolog.Logger) (*JSONFeed, error) {
	var writer io.Writer
	var file *os.File

	switch {
	case config.Stdout:
		writer = os.Stdout
	case config.FilePath != "":
		var err error
		file, err = os.OpenFile(config.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, err
		}
		writer = file
	default:
		writer = io.Discard
	}

	return newJSONFeed(writer, file, logger), nil
}

func newJSONFeed(writer io.Writer, file *os.File, logger zerolog.Logger) *JSONFeed {
	const bufferSize = 64 * 1024
	bufWriter := bufio.NewWriterSize(writer, bufferSize)

	f := &JSONFeed{
		bufWriter: bufWriter,
		file:      file,
		encoder:   json.NewEncoder(bufWriter),
		logger:    logger.With().Str("component", "json_feed").Logger(),
		stopFlush: make(chan struct{}),
		now:       time.Now,
	}
	go f.periodicFlush()
	return f
}

func (f *JSONFeed) periodicFlush() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := f.Flush(); err != nil {
				f.logger.Warn().Err(err).Msg("Flush failed")
			}
		case <-f.stopFlush:
			return
		}
	}
}

func (f *JSONFeed) OnLine(string) {}

func (f *JSONFeed) OnBlock(decision *domain.BlockDecision, backend string, simulated bool, err error) {
	event := BlockEvent{
		Decision:  decision,
		Backend:   backend,
		Simulated: simulated,
		Outcome:   "blocked",
		At:        f.now(),
	}
	if simulated {
		event.Outcome = "simulated"
	}
	if err != nil {
		event.Outcome = "failed"
		event.Error = err.Error()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if encErr := f.encoder.Encode(event); encErr != nil {
		f.logger.Warn().Err(encErr).Msg("Failed to write block event")
	}
}

func (f *JSONFeed) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.bufWriter.Flush(); err != nil {
		return err
	}
	if f.file != nil {
		return f.file.Sync()
	}
	return nil
}

// Close flushes and closes the file. Idempotent.
func (f *JSONFeed) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.stopFlush)

		f.mu.Lock()
		defer f.mu.Unlock()

		if err = f.bufWriter.Flush(); err != nil {
			return
		}
		if f.file != nil {
			if err = f.file.Sync(); err != nil {
				return
			}
			err = f.file.Close()
		}
	})
	return err
}
