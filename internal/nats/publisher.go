package natsclient

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Subjects published by the service.
const (
	SubjectCreated       = "continuity.instance.created"
	SubjectEventRecorded = "continuity.instance.event_recorded"
	SubjectRecomputed    = "continuity.instance.recomputed"
	SubjectRemoved       = "continuity.instance.removed"
	SubjectCLI           = "continuity.cli"
)

var ErrNotConnected = errors.New("nats not connected")

// LifecycleEvent is the JSON body of every lifecycle message.
type LifecycleEvent struct {
	Event      string    `json:"event"`
	ID         string    `json:"id"`
	Version    uint64    `json:"version"`
	Derivation string    `json:"derivation,omitempty"`
	Time       time.Time `json:"time"`
}

type Publisher struct {
	nc  *nats.Conn
	log *zap.Logger
}

func NewPublisher(url, name string, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.With(zap.String("component", "nats"))
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	log.Info("nats connected", zap.String("url", nc.ConnectedUrl()))
	return &Publisher{nc: nc, log: log}, nil
}

func (p *Publisher) Publish(ctx context.Context, subject string, payload []byte) error {
	if p.nc == nil || p.nc.IsClosed() {
		return ErrNotConnected
	}
	return p.nc.Publish(subject, payload)
}

// PublishLifecycle encodes ev and publishes it on subject.
func (p *Publisher) PublishLifecycle(ctx context.Context, subject string, ev LifecycleEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.Publish(ctx, subject, payload)
}

func (p *Publisher) Close() error {
	if p.nc == nil {
		return nil
	}
	err := p.nc.Drain()
	p.nc.Close()
	return err
}
