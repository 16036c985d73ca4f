package sqsqueue

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"chatrelay/internal/domain"
	"chatrelay/internal/observability"
	"chatrelay/internal/queue"
)

// maxDelay is the SQS per-message DelaySeconds ceiling. Longer delays are
// re-deferred by the queue on early delivery.
const maxDelay = 15 * time.Minute

// API is the subset of *sqs.Client the primary uses.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Primary is a standard (non-FIFO) SQS queue. Ordering and deduplication
// are handled downstream by the dispatch log.
type Primary struct {
	SQS      API
	QueueURL string

	WaitTimeSeconds   int32
	VisibilityTimeout int32
	// MaxMessages caps each receive below the SQS limit of 10.
	MaxMessages int32
}

var _ queue.Primary = (*Primary)(nil)

func (p *Primary) Push(ctx context.Context, env domain.QueueEnvelope, delay time.Duration) error {
	body, err := env.Marshal()
	if err != nil {
		return err
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	_, err = p.SQS.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     &p.QueueURL,
		MessageBody:  str(string(body)),
		DelaySeconds: int32(math.Ceil(delay.Seconds())),
	})
	return err
}

func (p *Primary) Receive(ctx context.Context, max int, wait time.Duration) ([]queue.Delivery, error) {
	limit := 10
	if p.MaxMessages > 0 && p.MaxMessages < 10 {
		limit = int(p.MaxMessages)
	}
	if max > limit {
		max = limit
	}
	waitSec := int32(math.Ceil(wait.Seconds()))
	if p.WaitTimeSeconds > 0 && waitSec > p.WaitTimeSeconds {
		waitSec = p.WaitTimeSeconds
	}
	if waitSec > 20 {
		waitSec = 20
	}

	out, err := p.SQS.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            &p.QueueURL,
		MaxNumberOfMessages: int32(max),
		WaitTimeSeconds:     waitSec,
		VisibilityTimeout:   p.VisibilityTimeout,
	})
	if err != nil {
		return nil, err
	}

	deliveries := make([]queue.Delivery, 0, len(out.Messages))
	for _, m := range out.Messages {
		if m.Body == nil {
			p.dropPoison(ctx, m, nil)
			continue
		}
		env, err := domain.DecodeEnvelope([]byte(*m.Body))
		if err != nil {
			// bad payload => delete to avoid endless redrive
			p.dropPoison(ctx, m, err)
			continue
		}
		deliveries = append(deliveries, queue.Delivery{Envelope: env, Receipt: deref(m.ReceiptHandle)})
	}
	return deliveries, nil
}

func (p *Primary) dropPoison(ctx context.Context, m types.Message, cause error) {
	observability.CorruptEntries.WithLabelValues("sqs").Inc()
	slog.WarnContext(ctx, "dropping malformed sqs message", "message_id", deref(m.MessageId), "err", cause)
	_, _ = p.SQS.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      &p.QueueURL,
		ReceiptHandle: m.ReceiptHandle,
	})
}

func (p *Primary) Ack(ctx context.Context, d queue.Delivery) error {
	_, err := p.SQS.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      &p.QueueURL,
		ReceiptHandle: str(d.Receipt),
	})
	return err
}

func (p *Primary) Ping(ctx context.Context) error {
	_, err := p.SQS.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       &p.QueueURL,
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	return err
}

func str(s string) *string { return &s }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
