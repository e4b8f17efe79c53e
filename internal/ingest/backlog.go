package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/austindbirch/kmhook/internal/logging"
	"github.com/austindbirch/kmhook/internal/metrics"
)

// BacklogMonitor polls nsqd /stats and exports channel depth for one topic.
type BacklogMonitor struct {
	statsURL string
	topic    string
	client   *http.Client
	logger   *logging.Logger
}

// NewBacklogMonitor polls nsqdHTTPAddr (host:port, or a full base URL).
func NewBacklogMonitor(nsqdHTTPAddr, topic string, logger *logging.Logger) *BacklogMonitor {
	if logger == nil {
		logger = logging.Default()
	}
	base := strings.TrimSuffix(nsqdHTTPAddr, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &BacklogMonitor{
		statsURL: base + "/stats?format=json&topic=" + url.QueryEscape(topic),
		topic:    topic,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
	}
}

type nsqStats struct {
	Topics []struct {
		Name     string `json:"topic_name"`
		Channels []struct {
			Name  string `json:"channel_name"`
			Depth int64  `json:"depth"`
		} `json:"channels"`
	} `json:"topics"`
}

// Run polls every interval until ctx is done.
func (b *BacklogMonitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := b.Poll(ctx); err != nil {
			b.logger.Plain().WithError(err).WithField("topic", b.topic).Warn("nsq backlog poll failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll fetches stats once and updates the backlog gauge for every channel of the topic.
func (b *BacklogMonitor) Poll(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.statsURL, nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("get nsq stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("nsq stats returned status %d", resp.StatusCode)
	}

	var stats nsqStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("decode nsq stats: %w", err)
	}
	for _, t := range stats.Topics {
		if t.Name != b.topic {
			continue
		}
		for _, ch := range t.Channels {
			metrics.UpdateNSQBacklog(t.Name, ch.Name, ch.Depth)
		}
	}
	return nil
}
