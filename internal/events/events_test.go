package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/imrishuroy/go-grocery-orderflow/internal/aws"
	"github.com/imrishuroy/go-grocery-orderflow/internal/logging"
)

type mockSQS struct {
	in *sqs.SendMessageInput
}

func (m *mockSQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.in = in
	return &sqs.SendMessageOutput{}, nil
}

func sample() Event {
	e := New(TypeStatusChanged, "o-1", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	e.Status = "confirmed"
	e.PreviousStatus = "pending"
	return e
}

func TestSQSPublisher_PublishesJSONWithAttributes(t *testing.T) {
	m := &mockSQS{}
	p := NewSQSPublisher(aws.NewPublisher(m, "queue-url"))
	e := sample()

	if err := p.Publish(context.Background(), e); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if m.in == nil {
		t.Fatalf("expected SendMessage call")
	}
	got, err := Decode([]byte(*m.in.MessageBody))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.ID != e.ID || got.Status != e.Status || got.PreviousStatus != e.PreviousStatus || !got.OccurredAt.Equal(e.OccurredAt) {
		t.Fatalf("round trip mismatch:\nwant %+v\ngot  %+v", e, got)
	}
	if v := *m.in.MessageAttributes["event_type"].StringValue; v != string(TypeStatusChanged) {
		t.Fatalf("event_type attribute: %s", v)
	}
}

func TestKafkaPublisher_KeysByOrderID(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, _ := msg.Key.Encode()
		if string(key) != "o-1" {
			t.Errorf("expected key o-1, got %s", key)
		}
		if msg.Topic != "order-events" {
			t.Errorf("unexpected topic %s", msg.Topic)
		}
		val, _ := msg.Value.Encode()
		var e Event
		if err := json.Unmarshal(val, &e); err != nil {
			t.Errorf("value is not an event: %v", err)
		}
		return nil
	})

	p := NewKafkaPublisherWithProducer(producer, "order-events")
	if err := p.Publish(context.Background(), sample()); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestDecode_RejectsIncompleteEvents(t *testing.T) {
	if _, err := Decode([]byte(`{"type":"order.created"}`)); err == nil {
		t.Fatalf("expected error for missing order_id")
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatalf("expected error for malformed body")
	}
}

func TestLogPublisher(t *testing.T) {
	if err := NewLogPublisher(logging.Discard()).Publish(context.Background(), sample()); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}
