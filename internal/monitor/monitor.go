// Package monitor polls nsqd for queue backlog and exports it as the
// taskbridge_queue_depth gauge.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/austindbirch/taskbridge/internal/logging"
	"github.com/austindbirch/taskbridge/internal/metrics"
)

// Stats is the part of the nsqd /stats JSON the monitor reads.
type Stats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Depth     int64  `json:"depth"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
	} `json:"topics"`
}

// Monitor reports the depth of a fixed set of queues for one channel.
type Monitor struct {
	statsURL string
	channel  string
	queues   map[string]bool
	client   *http.Client
	logger   *logging.Logger
}

func New(nsqdHTTPAddr, channel string, queues []string, logger *logging.Logger) *Monitor {
	addr := strings.TrimRight(nsqdHTTPAddr, "/")
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	qs := make(map[string]bool, len(queues))
	for _, q := range queues {
		qs[q] = true
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Monitor{
		statsURL: addr + "/stats?format=json",
		channel:  channel,
		queues:   qs,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
	}
}

// Poll fetches stats once and updates the gauges. A queue whose channel does
// not exist yet reports the topic depth, since nothing has drained it.
func (m *Monitor) Poll(ctx context.Context) (map[string]int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.statsURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("NSQ stats returned %s", resp.Status)
	}

	var stats Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("failed to decode NSQ stats: %w", err)
	}

	depths := make(map[string]int64)
	for _, topic := range stats.Topics {
		if !m.queues[topic.TopicName] {
			continue
		}
		depth := topic.Depth
		for _, ch := range topic.Channels {
			if ch.ChannelName == m.channel {
				depth = ch.Depth + ch.InFlightCount
			}
		}
		depths[topic.TopicName] = depth
		metrics.UpdateQueueDepth(topic.TopicName, m.channel, depth)
	}
	return depths, nil
}

// Run polls every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Poll(ctx); err != nil && ctx.Err() == nil {
				m.logger.WithContext(ctx).WithError(err).Warn("queue depth poll failed")
			}
		}
	}
}
