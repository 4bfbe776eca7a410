package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWriter записывает все переданные сообщения и отдаёт заранее
// подготовленные ошибки по порядку вызовов.
type fakeWriter struct {
	messages []kafka.Message
	errs     []error
	calls    int
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.calls++
	w.messages = append(w.messages, msgs...)
	if len(w.errs) > 0 {
		err := w.errs[0]
		w.errs = w.errs[1:]
		return err
	}
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestProducer_Publish_Success(t *testing.T) {
	writer := &fakeWriter{}
	p := NewProducerWithWriter(writer, Config{MaxRetries: 3}, time.Millisecond)

	err := p.Publish(context.Background(), &Message{
		Topic: "orders",
		Key:   []byte("order-1"),
		Value: []byte(`{"type":"ORDER_CREATED"}`),
	})

	require.NoError(t, err)
	assert.Equal(t, 1, writer.calls)
	assert.Equal(t, "orders", writer.messages[0].Topic)
	assert.Equal(t, []byte("order-1"), writer.messages[0].Key)
}

func TestProducer_Publish_RetriesThenSucceeds(t *testing.T) {
	writer := &fakeWriter{errs: []error{
		errors.New("broker unavailable"),
		errors.New("broker unavailable"),
	}}
	p := NewProducerWithWriter(writer, Config{MaxRetries: 3}, time.Millisecond)

	err := p.Publish(context.Background(), &Message{Topic: "orders", Key: []byte("k")})

	require.NoError(t, err)
	assert.Equal(t, 3, writer.calls)
}

func TestProducer_Publish_Exhausted(t *testing.T) {
	writer := &fakeWriter{errs: []error{
		errors.New("err1"), errors.New("err2"), errors.New("err3"),
	}}
	p := NewProducerWithWriter(writer, Config{MaxRetries: 3}, time.Millisecond)

	err := p.Publish(context.Background(), &Message{Topic: "orders", Key: []byte("k")})

	require.Error(t, err)
	assert.Equal(t, 3, writer.calls)
	assert.Contains(t, err.Error(), "после 3 попыток")
}

func TestProducer_Publish_ContextCancelled(t *testing.T) {
	writer := &fakeWriter{errs: []error{errors.New("transient")}}
	p := NewProducerWithWriter(writer, Config{MaxRetries: 3}, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := p.Publish(ctx, &Message{Topic: "orders", Key: []byte("k")})

	require.ErrorIs(t, err, context.Canceled)
	// Вторая попытка не дошла до writer — отмена случилась в backoff
	assert.Equal(t, 1, writer.calls)
}

func TestProducer_PublishToDLQ(t *testing.T) {
	writer := &fakeWriter{}
	p := NewProducerWithWriter(writer, Config{DLQTopic: "dlq.events"}, time.Millisecond)

	original := &Message{
		Topic:   "orders",
		Key:     []byte("order-1"),
		Value:   []byte(`{}`),
		Headers: map[string]string{HeaderEventID: "evt-1"},
	}

	err := p.PublishToDLQ(context.Background(), original, errors.New("доставка не удалась"), 3)

	require.NoError(t, err)
	require.Len(t, writer.messages, 1)

	msg := writer.messages[0]
	assert.Equal(t, "dlq.events", msg.Topic)
	assert.Equal(t, []byte("order-1"), msg.Key)

	headers := make(map[string]string)
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "orders", headers[HeaderOriginalTopic])
	assert.Equal(t, "3", headers[HeaderRetryCount])
	assert.Equal(t, "evt-1", headers[HeaderEventID])
	assert.NotEmpty(t, headers[HeaderFailedAt])
}

func TestProducer_Backoff_Capped(t *testing.T) {
	p := NewProducerWithWriter(&fakeWriter{}, Config{}, time.Second)

	// При больших attempt задержка не превышает потолок
	for attempt := 1; attempt <= 10; attempt++ {
		d := p.backoff(attempt)
		assert.LessOrEqual(t, d, maxBackoff)
		assert.Greater(t, d, time.Duration(0))
	}
}
