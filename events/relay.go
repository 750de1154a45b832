// Package events bridges the chain's in-process event feed onto NATS so
// external consumers (dashboards, auditors, other markets) can follow the
// marketplace without holding a chain handle. Subjects are derived from the
// event type: agora.events.TaskCreated, agora.events.BidPlaced, and so on.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/openagora/agora/chain"
	"github.com/openagora/agora/metrics"
)

// SubjectPrefix roots all relay subjects.
const SubjectPrefix = "agora.events"

// Relay republishes chain events to NATS. A Relay with a nil connection
// still drains the feed and records metrics, which keeps single-process
// deployments working without a broker.
type Relay struct {
	chain *chain.Chain
	nc    *nats.Conn
	log   *zap.Logger
}

// NewRelay connects to the broker at url. An empty url disables publishing
// but keeps the metrics side of the relay alive.
func NewRelay(c *chain.Chain, url string, log *zap.Logger) (*Relay, error) {
	r := &Relay{chain: c, log: log}
	if url == "" {
		return r, nil
	}
	nc, err := nats.Connect(url,
		nats.Name("agora-relay"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	r.nc = nc
	return r, nil
}

// Run drains the chain feed until ctx is cancelled. Publishing is
// best-effort: a failed publish is logged and dropped, never retried, so the
// relay can never stall the chain.
func (r *Relay) Run(ctx context.Context) error {
	events, cancel := r.chain.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			r.publish(ev)
		}
	}
}

func (r *Relay) publish(ev chain.Event) {
	metrics.ChainEvents.WithLabelValues(string(ev.Type)).Inc()
	if r.nc == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		r.log.Error("marshal event", zap.String("type", string(ev.Type)), zap.Error(err))
		return
	}
	subject := fmt.Sprintf("%s.%s", SubjectPrefix, ev.Type)
	if err := r.nc.Publish(subject, data); err != nil {
		r.log.Warn("publish event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// Close flushes and closes the broker connection.
func (r *Relay) Close() {
	if r.nc != nil {
		_ = r.nc.Flush()
		r.nc.Close()
	}
}
