package telemetry

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"cpufreq-governor/internal/config"
	"cpufreq-governor/internal/logging"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/sirupsen/logrus"
)

const decisionMeasurement = "governor_decision"

// InfluxSink batches traces into InfluxDB points through the non-blocking
// write API, so Record never waits on the network.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	bucket   string
	org      string
	host     string
	tags     map[string]string

	once sync.Once
}

// NewInfluxSink connects to InfluxDB and checks its health. tags are added to
// every point (for example the host name and config checksum).
func NewInfluxSink(cfg config.DatabaseConfig, tags map[string]string) (*InfluxSink, error) {
	logger := logging.GetLogger()

	client := influxdb2.NewClientWithOptions(cfg.Host, cfg.Token,
		influxdb2.DefaultOptions().SetBatchSize(500).SetFlushInterval(1000))

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		logger.WithField("host", cfg.Host).WithError(err).Error("Failed to connect to InfluxDB")
		client.Close()
		return nil, err
	}
	if health.Status != "pass" {
		message := ""
		if health.Message != nil {
			message = *health.Message
		}
		logger.WithFields(logrus.Fields{
			"host":    cfg.Host,
			"status":  health.Status,
			"message": message,
		}).Error("InfluxDB health check failed")
		client.Close()
		return nil, fmt.Errorf("influxdb at %s is unhealthy: %s", cfg.Host, health.Status)
	}

	s := &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
		host:     cfg.Host,
		tags:     tags,
	}

	go s.drainErrors()

	logger.WithFields(logrus.Fields{
		"host":   cfg.Host,
		"bucket": cfg.Bucket,
		"org":    cfg.Org,
	}).Info("Connected to InfluxDB")
	return s, nil
}

func (s *InfluxSink) drainErrors() {
	logger := logging.GetLogger()
	for err := range s.writeAPI.Errors() {
		logger.WithField("bucket", s.bucket).WithError(err).Warn("Failed to write decision points")
	}
}

func (s *InfluxSink) Record(t Trace) {
	tags := make(map[string]string, len(s.tags)+3)
	for k, v := range s.tags {
		tags[k] = v
	}
	tags["group"] = t.Group
	tags["unit"] = strconv.Itoa(t.Unit)
	tags["outcome"] = string(t.Outcome)

	fields := map[string]interface{}{
		"load":      int64(t.Load),
		"target":    int64(t.Target),
		"current":   int64(t.Current),
		"candidate": int64(t.Candidate),
	}
	if t.Reason != "" {
		fields["reason"] = t.Reason
	}
	s.writeAPI.WritePoint(influxdb2.NewPoint(decisionMeasurement, tags, fields, t.Time))
}

// Close flushes pending points and closes the client.
func (s *InfluxSink) Close() error {
	s.once.Do(func() {
		s.writeAPI.Flush()
		s.client.Close()
	})
	return nil
}
