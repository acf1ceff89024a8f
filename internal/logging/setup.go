package logging

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Config describes where process logs are shipped
type Config struct {
	URL           string
	Token         string
	Level         string
	BatchSize     int
	FlushInterval time.Duration
}

// Shipper owns the outputs attached to a logger
type Shipper struct {
	hook    *DispatchHook
	outputs []Output
}

// Setup attaches a dispatch hook to logger. With no URL configured the
// returned shipper has no outputs and Close is a no-op.
func Setup(logger *logrus.Logger, service string, cfg Config) (*Shipper, error) {
	s := &Shipper{hook: NewDispatchHook(service)}
	if cfg.URL == "" {
		return s, nil
	}

	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	out := NewHTTPOutput(cfg.URL, cfg.Token, cfg.BatchSize, cfg.FlushInterval)
	s.hook.AddOutput(out, level)
	s.outputs = append(s.outputs, out)
	logger.AddHook(s.hook)

	logger.WithFields(logrus.Fields{
		"url":   cfg.URL,
		"level": level.String(),
	}).Info("Log shipping enabled")
	return s, nil
}

// Close flushes and closes every output
func (s *Shipper) Close() error {
	for _, out := range s.outputs {
		if err := out.Close(); err != nil {
			return err
		}
	}
	return nil
}
