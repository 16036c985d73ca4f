package sqsqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"chatrelay/internal/domain"
	"chatrelay/internal/queue"
)

type fakeSQS struct {
	sent     []*sqs.SendMessageInput
	received *sqs.ReceiveMessageInput
	messages []types.Message
	deleted  []string
	attrErr  error
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.received = in
	return &sqs.ReceiveMessageOutput{Messages: f.messages}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, *in.ReceiptHandle)
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) GetQueueAttributes(context.Context, *sqs.GetQueueAttributesInput, ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	return &sqs.GetQueueAttributesOutput{}, f.attrErr
}

func envelope(id string) domain.QueueEnvelope {
	return domain.NewEnvelope(domain.RawEvent{
		ID: id, ChannelID: "c1", Author: domain.Author{ID: "u1"}, Content: "hi",
	}, time.Now())
}

func TestPushCapsDelay(t *testing.T) {
	f := &fakeSQS{}
	p := &Primary{SQS: f, QueueURL: "q"}

	if err := p.Push(context.Background(), envelope("m1"), 1500*time.Millisecond); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := p.Push(context.Background(), envelope("m2"), time.Hour); err != nil {
		t.Fatalf("push: %v", err)
	}
	if f.sent[0].DelaySeconds != 2 {
		t.Fatalf("expected delay rounded up to 2s, got %d", f.sent[0].DelaySeconds)
	}
	if f.sent[1].DelaySeconds != 900 {
		t.Fatalf("expected delay capped at 900s, got %d", f.sent[1].DelaySeconds)
	}
}

func TestReceiveDropsPoisonMessages(t *testing.T) {
	good, _ := envelope("m1").Marshal()
	f := &fakeSQS{messages: []types.Message{
		{Body: str(string(good)), ReceiptHandle: str("r1")},
		{Body: str("{broken"), ReceiptHandle: str("r2")},
		{Body: nil, ReceiptHandle: str("r3")},
	}}
	p := &Primary{SQS: f, QueueURL: "q", WaitTimeSeconds: 20}

	got, err := p.Receive(context.Background(), 50, 5*time.Second)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(got) != 1 || got[0].Envelope.EventID != "m1" || got[0].Receipt != "r1" {
		t.Fatalf("unexpected deliveries %+v", got)
	}
	if len(f.deleted) != 2 {
		t.Fatalf("expected poison messages deleted, got %v", f.deleted)
	}
	if f.received.MaxNumberOfMessages != 10 || f.received.WaitTimeSeconds != 5 {
		t.Fatalf("unexpected receive input %+v", f.received)
	}

	if err := p.Ack(context.Background(), queue.Delivery{Receipt: "r1"}); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if f.deleted[len(f.deleted)-1] != "r1" {
		t.Fatalf("ack did not delete r1")
	}
}

func TestReceiveHonoursMaxMessages(t *testing.T) {
	f := &fakeSQS{}
	p := &Primary{SQS: f, QueueURL: "q", MaxMessages: 4}

	if _, err := p.Receive(context.Background(), 10, time.Second); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if f.received.MaxNumberOfMessages != 4 {
		t.Fatalf("expected batch capped at 4, got %d", f.received.MaxNumberOfMessages)
	}
	if _, err := p.Receive(context.Background(), 2, time.Second); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if f.received.MaxNumberOfMessages != 2 {
		t.Fatalf("smaller request should pass through, got %d", f.received.MaxNumberOfMessages)
	}
}

func TestPingReportsQueueErrors(t *testing.T) {
	f := &fakeSQS{attrErr: errors.New("no such queue")}
	p := &Primary{SQS: f, QueueURL: "q"}
	if err := p.Ping(context.Background()); err == nil {
		t.Fatalf("expected ping error")
	}
}
