package ingest

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/arxiv/notifyd/internal/config"
)

// MQTTSource subscribes to a single topic on an MQTT broker via
// autopaho's connection manager, which handles reconnection
// transparently. It implements Source.
type MQTTSource struct {
	cfg    config.MQTTConfig
	logger *slog.Logger
}

// NewMQTTSource returns nil if cfg has no broker configured, so
// callers can wire a nil *MQTTSource and treat ingestion as disabled.
func NewMQTTSource(cfg config.MQTTConfig, logger *slog.Logger) *MQTTSource {
	if !cfg.Configured() {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTSource{cfg: cfg, logger: logger}
}

// Subscribe connects to the broker and invokes handler for every
// message received on cfg.Topic, blocking until ctx is cancelled. A
// message-rate limiter caps bursts at 200/second independent of the
// processor's in-flight ceiling, guarding against a misbehaving
// publisher saturating the semaphore with a single burst.
func (s *MQTTSource) Subscribe(ctx context.Context, handler Handler) error {
	brokerURL, err := url.Parse(s.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("parse mqtt broker url: %w", err)
	}

	clientID := s.cfg.ClientID
	if clientID == "" {
		clientID = "notifyd"
	}

	limiter := newMessageRateLimiter(200, time.Second, s.logger)
	go limiter.start(ctx)

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:       []*url.URL{brokerURL},
		KeepAlive:        30,
		ConnectUsername:  s.cfg.Username,
		ConnectPassword:  []byte(s.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			s.logger.Info("ingest: mqtt connected", "broker", s.cfg.BrokerURL)
			subCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := cm.Subscribe(subCtx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{{Topic: s.cfg.Topic, QoS: 1}},
			}); err != nil {
				s.logger.Error("ingest: mqtt subscribe failed", "topic", s.cfg.Topic, "error", err)
			}
		},
		OnConnectError: func(err error) {
			s.logger.Warn("ingest: mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("ingest: mqtt connect: %w", err)
	}

	// Handler is wired after the connection manager exists, mirroring
	// the teacher's cm.AddOnPublishReceived registration; acking (bool)
	// controls whether the broker redelivers the message.
	cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
		if !limiter.allow() {
			return false, nil
		}
		return handler(ctx, pr.Packet.Payload), nil
	})

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		s.logger.Warn("ingest: mqtt initial connection timed out, will retry in background", "error", err)
	}

	<-ctx.Done()
	disconnectCtx, disconnectCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer disconnectCancel()
	return cm.Disconnect(disconnectCtx)
}

// LoadOrCreateClientSuffix reads a stable per-install suffix (the last
// 8 characters of a UUIDv7, which are random bits) from dataDir,
// generating and persisting one on first run. Appending it to
// a configured client_id keeps separate notifyd processes sharing a
// broker from colliding on client ID, the same way the teacher
// persists a stable Home Assistant device identity across restarts.
func LoadOrCreateClientSuffix(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "mqtt_client_suffix")

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate mqtt client suffix: %w", err)
	}

	idStr := id.String()
	suffix := idStr[len(idStr)-8:]
	if err := os.WriteFile(path, []byte(suffix+"\n"), 0644); err != nil {
		return "", fmt.Errorf("persist mqtt client suffix to %s: %w", path, err)
	}
	return suffix, nil
}

// messageRateLimiter tracks inbound message rates and drops messages
// when the rate exceeds the configured threshold, independent of the
// processor's bounded-concurrency semaphore.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{limit: limit, interval: interval, logger: logger}
}

func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			dropped := r.dropped.Swap(0)
			if dropped > 0 {
				r.logger.Warn("ingest: mqtt messages dropped due to rate limit",
					"received", count, "dropped", dropped, "interval", r.interval.String(), "limit", r.limit)
			}
		}
	}
}

func (r *messageRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
