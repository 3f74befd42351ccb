package natsclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewPublisherUnreachable(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	_, err := NewPublisher("nats://127.0.0.1:1", "test", zap.New(core))
	require.Error(t, err)
	require.Zero(t, logs.FilterMessage("nats connected").Len())
}

func TestPublishWithoutConnection(t *testing.T) {
	p := &Publisher{log: zap.NewNop()}
	err := p.PublishLifecycle(context.Background(), SubjectCreated, LifecycleEvent{ID: "x"})
	require.ErrorIs(t, err, ErrNotConnected)
	require.NoError(t, p.Close())
}
