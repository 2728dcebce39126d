package input

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/xoelrdgz/sshguard/internal/domain"
	"github.com/xoelrdgz/sshguard/internal/ports"
)

const (
	DefaultAuthLogPath = "/var/log/auth.log"
	probeTimeout       = 5 * time.Second
)

// Selector picks the log source once at startup: the auth log file when it
// is readable, otherwise the log query command.
type Selector struct {
	File   FileTailConfig
	Stream StreamConfig
	Runner ports.CommandRunner
	Logger zerolog.Logger
}

// Select returns a *domain.ConfigurationError wrapping domain.ErrNoLogSource
// when neither source is usable. The caller must not retry.
func (s *Selector) Select(ctx context.Context) (ports.LogSource, error) {
	path := s.File.Path
	if path == "" {
		path = DefaultAuthLogPath
	}

	fileErr := checkReadable(path)
	if fileErr == nil {
		cfg := s.File
		cfg.Path = path
		s.Logger.Info().Str("file", path).Msg("Using auth log file")
		return NewFileTail(cfg, s.Logger), nil
	}
	s.Logger.Debug().Err(fileErr).Str("file", path).Msg("Auth log not usable")

	command := s.Stream.Command
	if len(command) == 0 {
		command = DefaultStreamCommand
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	out, err := s.Runner.Run(probeCtx, command[0], "--version")
	if err == nil {
		cfg := s.Stream
		cfg.Command = command
		s.Logger.Info().Str("cmd", command[0]).Msg("Using log stream command")
		return NewStreamSource(cfg, s.Logger), nil
	}

	s.Logger.Error().
		Err(err).
		Str("file", path).
		Str("cmd", command[0]).
		Str("output", string(out)).
		Msg("Source unavailable")

	return nil, &domain.ConfigurationError{
		Field:  "source",
		Value:  path,
		Reason: fmt.Sprintf("auth log unreadable (%v) and %s unavailable (%v)", fileErr, command[0], err),
		Err:    domain.ErrNoLogSource,
	}
}

func checkReadable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	return f.Close()
}
