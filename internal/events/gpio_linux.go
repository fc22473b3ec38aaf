//go:build linux

package events

import (
	"fmt"
	"time"

	"cpufreq-governor/internal/logging"

	"github.com/sirupsen/logrus"
	"github.com/warthog618/go-gpiocdev"
	"go.uber.org/multierr"
)

// GPIOSource watches peripheral-detect lines and publishes their edges.
type GPIOSource struct {
	hub   *Hub
	lines []*gpiocdev.Line
}

// NewGPIOSource requests every configured line with edge detection and
// publishes the current level of each line once.
func NewGPIOSource(cfg GPIOConfig, hub *Hub) (*GPIOSource, error) {
	logger := logging.GetLogger()
	s := &GPIOSource{hub: hub}

	for kind, offset := range cfg.Lines {
		kind := kind
		opts := []gpiocdev.LineReqOption{
			gpiocdev.AsInput,
			gpiocdev.WithBothEdges,
			gpiocdev.WithEventHandler(func(evt gpiocdev.LineEvent) {
				s.hub.Publish(Event{Kind: kind, On: evt.Type == gpiocdev.LineEventRisingEdge})
			}),
		}
		if cfg.ActiveLow {
			opts = append(opts, gpiocdev.AsActiveLow)
		}
		if cfg.DebounceMS > 0 {
			opts = append(opts, gpiocdev.WithDebounce(time.Duration(cfg.DebounceMS)*time.Millisecond))
		}

		line, err := gpiocdev.RequestLine(cfg.Chip, offset, opts...)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("request %s line %d on %s: %w", kind, offset, cfg.Chip, err)
		}
		s.lines = append(s.lines, line)

		value, err := line.Value()
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("read %s line %d: %w", kind, offset, err)
		}
		hub.Publish(Event{Kind: kind, On: value == 1})

		logger.WithFields(logrus.Fields{
			"chip":   cfg.Chip,
			"line":   offset,
			"kind":   kind,
			"active": value == 1,
		}).Info("Watching peripheral detect line")
	}
	return s, nil
}

// Close releases every requested line.
func (s *GPIOSource) Close() error {
	var err error
	for _, l := range s.lines {
		if cerr := l.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close line: %w", cerr))
		}
	}
	s.lines = nil
	return err
}
