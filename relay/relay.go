package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"callscribe/config"
	"callscribe/events"
	"callscribe/log"
	"callscribe/metrics"

	"github.com/nats-io/nats.go"
)

// Publisher is the part of a NATS connection the relay needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Conn is a NATS connection used as a Publisher.
type Conn struct {
	nc *nats.Conn
}

func Connect(cfg config.RelayConfig) (*Conn, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}

	options := []nats.Option{
		nats.Name("callscribe"),
		nats.Timeout(cfg.ConnectTimeout()),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnf("relay disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infof("relay reconnected to %s", nc.ConnectedUrl())
		}),
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}

	url := strings.Join(cfg.Servers, ",")
	nc, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	log.Infof("relay connected to %s", url)
	return &Conn{nc: nc}, nil
}

func (c *Conn) Publish(subject string, data []byte) error {
	return c.nc.Publish(subject, data)
}

func (c *Conn) Healthy() bool {
	return c != nil && c.nc != nil && c.nc.Status() == nats.CONNECTED
}

// Close flushes pending messages before closing.
func (c *Conn) Close() {
	if c == nil || c.nc == nil {
		return
	}
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
	}
}

// Relay republishes bus events on NATS subjects:
// <prefix>.transcript.final, <prefix>.transcript.interim and <prefix>.status.
type Relay struct {
	pub     Publisher
	prefix  string
	metrics *metrics.Metrics
}

func New(pub Publisher, prefix string, m *metrics.Metrics) *Relay {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = "callscribe"
	}
	return &Relay{pub: pub, prefix: prefix, metrics: m}
}

// Subject returns the subject an event is published on.
func (r *Relay) Subject(e events.Event) string {
	switch ev := e.(type) {
	case events.Transcript:
		if ev.IsFinal {
			return r.prefix + ".transcript.final"
		}
		return r.prefix + ".transcript.interim"
	case events.Status:
		return r.prefix + ".status"
	}
	return r.prefix + "." + e.Type()
}

// Run forwards events until ctx ends or the subscription closes. Publish
// failures are logged and counted; they never stop the relay.
func (r *Relay) Run(ctx context.Context, sub *events.Subscription) {
	failing := false
	for {
		var e events.Event
		var ok bool
		select {
		case <-ctx.Done():
			return
		case e, ok = <-sub.Events():
			if !ok {
				return
			}
		}

		data, err := events.Marshal(e)
		if err != nil {
			log.Warnf("relay: encode %s: %v", e.Type(), err)
			continue
		}
		if err := r.pub.Publish(r.Subject(e), data); err != nil {
			r.metrics.RecordRelayError()
			if !failing {
				failing = true
				log.Warnf("relay publish failed: %v", err)
			}
			continue
		}
		if failing {
			failing = false
			log.Info("relay publishing again")
		}
	}
}
