package mykafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("expected a delivery deadline")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestPublishEvent(t *testing.T) {
	t.Parallel()

	fw := &fakeWriter{}
	p := NewProducerWithWriter(fw)

	err := p.PublishEvent(context.Background(), "auth_events", "u1", map[string]string{"type": "token_rotated"})
	require.NoError(t, err)
	require.Len(t, fw.msgs, 1)

	msg := fw.msgs[0]
	assert.Equal(t, "auth_events", msg.Topic)
	assert.Equal(t, []byte("u1"), msg.Key)

	var body map[string]string
	require.NoError(t, json.Unmarshal(msg.Value, &body))
	assert.Equal(t, "token_rotated", body["type"])

	require.NoError(t, p.Close())
	assert.True(t, fw.closed)
}

func TestPublishEvent_Errors(t *testing.T) {
	t.Parallel()

	fw := &fakeWriter{err: errors.New("broker unavailable")}
	p := NewProducerWithWriter(fw)

	err := p.PublishEvent(context.Background(), "auth_events", "u1", struct{}{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker unavailable")

	err = p.PublishEvent(context.Background(), "auth_events", "u1", make(chan int))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "json.Marshal")
}

func TestNewProducer_RequiresBrokers(t *testing.T) {
	t.Parallel()

	_, err := NewProducer(nil)
	require.Error(t, err)

	p, err := NewProducer([]string{"localhost:9092"})
	require.NoError(t, err)
	require.NoError(t, p.Close())
}
