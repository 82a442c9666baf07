package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/go-logr/logr"
)

// Queue is the MQ contract RP consumes: receive one message at a time
// (BATCH_SIZE default 1: receive-batch size is 1 per poll to avoid
// work hoarding), delete on success, and a best-effort
// archive path for permanently failed messages.
type Queue interface {
	// Receive long-polls for up to batchSize messages, honoring
	// visibilityTimeout.
	Receive(ctx context.Context, batchSize int32, visibilityTimeout time.Duration) ([]Envelope, error)
	// Delete removes a fully-handled message.
	Delete(ctx context.Context, env Envelope) error
	// Archive moves a permanently-failed message out of the main queue
	// (to a configured DLQ if present, otherwise it is simply deleted
	// after the caller has already persisted a `failed` reservation:
	// the archival act itself is best-effort).
	Archive(ctx context.Context, env Envelope, reason string) error
}

// SQSQueue implements Queue over Amazon SQS.
type SQSQueue struct {
	client   *sqs.Client
	queueURL string
	dlqURL   string // optional
	log      logr.Logger
}

// NewSQSQueue constructs an SQSQueue bound to one queue URL, with an
// optional dead-letter queue URL for Archive.
func NewSQSQueue(client *sqs.Client, queueURL, dlqURL string, log logr.Logger) *SQSQueue {
	return &SQSQueue{client: client, queueURL: queueURL, dlqURL: dlqURL, log: log.WithName("sqs")}
}

func (q *SQSQueue) Receive(ctx context.Context, batchSize int32, visibilityTimeout time.Duration) ([]Envelope, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(q.queueURL),
		MaxNumberOfMessages:   batchSize,
		VisibilityTimeout:     int32(visibilityTimeout.Seconds()),
		WaitTimeSeconds:       10, // long poll
		MessageAttributeNames: []string{"All"},
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("receiving from %s: %w", q.queueURL, err)
	}

	envs := make([]Envelope, 0, len(out.Messages))
	for _, m := range out.Messages {
		body, err := ParseBody([]byte(aws.ToString(m.Body)))
		if err != nil {
			q.log.Error(err, "dropping malformed message", "messageId", aws.ToString(m.MessageId))
			continue
		}
		deliveries := 1
		if raw, ok := m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
			if n, err := strconv.Atoi(raw); err == nil {
				deliveries = n
			}
		}
		envs = append(envs, Envelope{
			MessageID:             aws.ToString(m.MessageId),
			ReceiptHandle:         aws.ToString(m.ReceiptHandle),
			ApproximateDeliveries: deliveries,
			Body:                  body,
		})
	}
	return envs, nil
}

func (q *SQSQueue) Delete(ctx context.Context, env Envelope) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(env.ReceiptHandle),
	})
	if err != nil {
		// Best-effort: the caller's side effects already
		// succeeded, and the handler is idempotent, so a failed delete
		// here just means a harmless redelivery later.
		q.log.Error(err, "best-effort message delete failed", "messageId", env.MessageID)
		return nil
	}
	return nil
}

func (q *SQSQueue) Archive(ctx context.Context, env Envelope, reason string) error {
	if q.dlqURL != "" {
		body, _ := marshalArchived(env, reason)
		if _, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:    aws.String(q.dlqURL),
			MessageBody: aws.String(string(body)),
		}); err != nil {
			q.log.Error(err, "failed to forward message to dead-letter queue", "messageId", env.MessageID)
		}
	}
	return q.Delete(ctx, env)
}

func marshalArchived(env Envelope, reason string) ([]byte, error) {
	return MarshalJSON(struct {
		Reason  string `json:"archive_reason"`
		Body    Body   `json:"body"`
		MsgID   string `json:"message_id"`
	}{Reason: reason, Body: env.Body, MsgID: env.MessageID})
}
