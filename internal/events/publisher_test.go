package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEvent() Event {
	return Event{
		ID:         "ev-1",
		Type:       TypePledgeConfirmed,
		ReceiptID:  "r-1",
		EntityID:   "p-1",
		ActorID:    "bank-1",
		OccurredAt: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestRedisPublisher_Publish(t *testing.T) {
	client, mock := redismock.NewClientMock()
	pub := NewRedisPublisher(client, "")
	e := sampleEvent()
	payload, err := e.Encode()
	require.NoError(t, err)

	t.Run("pushes to the list", func(t *testing.T) {
		mock.ExpectRPush("receipt_events", payload).SetVal(1)
		assert.NoError(t, pub.Publish(context.Background(), e))
	})

	t.Run("redis failure surfaces", func(t *testing.T) {
		mock.ExpectRPush("receipt_events", payload).SetErr(errors.New("connection refused"))
		err := pub.Publish(context.Background(), e)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), TypePledgeConfirmed)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaPublisher_Publish(t *testing.T) {
	w := &fakeWriter{}
	pub := &KafkaPublisher{writer: w, topic: "receipt-lifecycle"}

	require.NoError(t, pub.Publish(context.Background(), sampleEvent()))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "receipt-lifecycle", msg.Topic)
	assert.Equal(t, []byte("r-1"), msg.Key)
	assert.Equal(t, "event-type", msg.Headers[0].Key)

	var decoded Event
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "p-1", decoded.EntityID)
}

func TestNewKafkaPublisher_Validation(t *testing.T) {
	_, err := NewKafkaPublisher(nil, "topic")
	assert.Error(t, err)
	_, err = NewKafkaPublisher([]string{"localhost:9092"}, "")
	assert.Error(t, err)

	pub, err := NewKafkaPublisher([]string{"localhost:9092"}, "topic")
	require.NoError(t, err)
	assert.NoError(t, pub.Close())
}
