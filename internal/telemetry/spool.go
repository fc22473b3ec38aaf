package telemetry

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cpufreq-governor/internal/logging"
)

type SpoolArtifact struct {
	Version int `json:"version"`

	CreatedAt time.Time `json:"created_at"`

	Name           string `json:"name"`
	ConfigChecksum string `json:"config_checksum"`

	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`

	ConfigContent string `json:"config_content"`

	Outcomes map[Outcome]int `json:"outcomes"`
	Traces   []Trace         `json:"traces"`
}

func DefaultSpoolDir() string {
	if v := strings.TrimSpace(os.Getenv("GOVERNOR_SPOOL_DIR")); v != "" {
		return v
	}
	return "spool"
}

// SpoolSink keeps every trace in memory and writes them as one artifact when
// closed. It is meant for bounded runs such as simulations.
type SpoolSink struct {
	*Recorder

	dir       string
	name      string
	checksum  string
	content   string
	startTime time.Time
	now       func() time.Time
	written   string
}

func NewSpoolSink(dir, name, checksum, configContent string, limit int) *SpoolSink {
	return &SpoolSink{
		Recorder:  NewRecorder(limit),
		dir:       dir,
		name:      name,
		checksum:  checksum,
		content:   configContent,
		startTime: time.Now(),
		now:       time.Now,
	}
}

// Path returns the artifact written by Close, if any.
func (s *SpoolSink) Path() string { return s.written }

func (s *SpoolSink) Close() error {
	traces := s.Traces()
	outcomes := make(map[Outcome]int)
	for _, t := range traces {
		outcomes[t.Outcome]++
	}
	path, err := WriteSpoolArtifact(s.dir, &SpoolArtifact{
		Version:        1,
		CreatedAt:      s.now(),
		Name:           s.name,
		ConfigChecksum: s.checksum,
		StartTime:      s.startTime,
		EndTime:        s.now(),
		ConfigContent:  s.content,
		Outcomes:       outcomes,
		Traces:         traces,
	})
	if err != nil {
		return fmt.Errorf("write spool artifact: %w", err)
	}
	s.written = path
	logging.GetLogger().WithField("path", path).WithField("traces", len(traces)).Info("Wrote decision spool")
	return nil
}

// WriteSpoolArtifact writes a gzip-compressed JSON artifact to disk atomically.
// It returns the final file path.
func WriteSpoolArtifact(dir string, artifact *SpoolArtifact) (string, error) {
	if artifact == nil {
		return "", fmt.Errorf("spool artifact is nil")
	}
	if dir == "" {
		dir = DefaultSpoolDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	checksum := artifact.ConfigChecksum
	if checksum == "" {
		checksum = "nocsum"
	}
	name := fmt.Sprintf(
		"governor_%s_%s_%s.json.gz",
		sanitize(artifact.Name),
		artifact.CreatedAt.UTC().Format("20060102T150405Z"),
		checksum,
	)
	finalPath := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, name+".tmp.*")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()

	ok := false
	defer func() {
		_ = tmp.Close()
		if !ok {
			_ = os.Remove(tmpPath)
		}
	}()

	gz := gzip.NewWriter(tmp)
	enc := json.NewEncoder(gz)
	enc.SetIndent("", "  ")
	if err := enc.Encode(artifact); err != nil {
		_ = gz.Close()
		return "", err
	}
	if err := gz.Close(); err != nil {
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", err
	}
	ok = true
	return finalPath, nil
}

// ReadSpoolArtifact loads an artifact written by WriteSpoolArtifact.
func ReadSpoolArtifact(path string) (*SpoolArtifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	var artifact SpoolArtifact
	if err := json.NewDecoder(gz).Decode(&artifact); err != nil {
		return nil, err
	}
	return &artifact, nil
}

func sanitize(name string) string {
	if name == "" {
		return "unnamed"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, name)
}
