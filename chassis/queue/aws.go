package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
)

const (
	// MaxBatchSize is the SQS limit of entries per SendMessageBatch call.
	MaxBatchSize = 10

	defaultWaitTime = time.Second
	// SQS accepts long poll waits of at most 20 seconds.
	maxWaitTime = 20 * time.Second
)

// ErrBatchEntryFailed marks a SendBatch entry rejected by SQS.
var ErrBatchEntryFailed = errors.New("batch entry failed")

// AWSQueue implementation
type AWSQueue struct {
	QueueURL string
	waitTime int64
	queue    sqsiface.SQSAPI
}

// InitAWSQueue ...
func InitAWSQueue(cfg Config) (*AWSQueue, error) {
	awsCfg := &aws.Config{
		Region:     aws.String(cfg.Region),
		MaxRetries: aws.Int(cfg.Retries),
	}
	if cfg.CredentialsFile != "" || cfg.CredentialsProfile != "" {
		awsCfg.Credentials = credentials.NewSharedCredentials(cfg.CredentialsFile, cfg.CredentialsProfile)
	}
	ssn, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, err
	}
	return NewAWSQueue(sqs.New(ssn), cfg), nil
}

// NewAWSQueue wraps an existing SQS client.
func NewAWSQueue(api sqsiface.SQSAPI, cfg Config) *AWSQueue {
	URL := cfg.URL
	if cfg.Name != "" {
		URL = fmt.Sprintf("%s/%s", cfg.URL, cfg.Name)
	}
	return &AWSQueue{
		queue:    api,
		QueueURL: URL,
		waitTime: waitSeconds(cfg.WaitTime),
	}
}

// waitSeconds clamps a long poll wait to whole seconds in [1, 20].
func waitSeconds(wait time.Duration) int64 {
	switch {
	case wait <= 0:
		wait = defaultWaitTime
	case wait < time.Second:
		wait = time.Second
	case wait > maxWaitTime:
		log.WithFields(log.Fields{
			"event": "wait_time_clamped",
			"queue": "aws_sqs",
		}).Warn("wait time ", wait, " exceeds ", maxWaitTime)
		wait = maxWaitTime
	}
	return int64(wait / time.Second)
}

// Send ...
func (q *AWSQueue) Send(ctx context.Context, message string) (string, error) {
	msg := &sqs.SendMessageInput{
		MessageBody:  aws.String(message),
		QueueUrl:     aws.String(q.QueueURL),
		DelaySeconds: aws.Int64(0),
	}
	sendResponse, err := q.queue.SendMessageWithContext(ctx, msg)
	if err != nil {
		return "", err
	}
	log.WithFields(log.Fields{
		"event": "send_message",
		"queue": "aws_sqs",
	}).Debug(aws.StringValue(sendResponse.MessageId))
	return aws.StringValue(sendResponse.MessageId), nil
}

// SendBatch sends bodies in chunks of MaxBatchSize. Results are indexed
// by position in bodies. A transport error aborts the remaining chunks.
func (q *AWSQueue) SendBatch(ctx context.Context, bodies []string) ([]SendResult, error) {
	results := make([]SendResult, len(bodies))
	for start := 0; start < len(bodies); start += MaxBatchSize {
		end := start + MaxBatchSize
		if end > len(bodies) {
			end = len(bodies)
		}
		entries := make([]*sqs.SendMessageBatchRequestEntry, 0, end-start)
		for i := start; i < end; i++ {
			results[i].Index = i
			entries = append(entries, &sqs.SendMessageBatchRequestEntry{
				Id:          aws.String(strconv.Itoa(i)),
				MessageBody: aws.String(bodies[i]),
			})
		}
		resp, err := q.queue.SendMessageBatchWithContext(ctx, &sqs.SendMessageBatchInput{
			QueueUrl: aws.String(q.QueueURL),
			Entries:  entries,
		})
		if err != nil {
			return results, err
		}
		for _, ok := range resp.Successful {
			i, err := strconv.Atoi(aws.StringValue(ok.Id))
			if err != nil || i < start || i >= end {
				continue
			}
			results[i].MessageID = aws.StringValue(ok.MessageId)
		}
		for _, failed := range resp.Failed {
			i, err := strconv.Atoi(aws.StringValue(failed.Id))
			if err != nil || i < start || i >= end {
				continue
			}
			results[i].Err = fmt.Errorf("%w: %s %s", ErrBatchEntryFailed, aws.StringValue(failed.Code), aws.StringValue(failed.Message))
		}
		log.WithFields(log.Fields{
			"event":  "send_batch",
			"queue":  "aws_sqs",
			"sent":   len(resp.Successful),
			"failed": len(resp.Failed),
		}).Debug(q.QueueURL)
	}
	return results, nil
}

// Receive ...
func (q *AWSQueue) Receive(ctx context.Context) (*RecvMessage, error) {
	receivedMsg := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.QueueURL),
		MaxNumberOfMessages: aws.Int64(1),
		WaitTimeSeconds:     aws.Int64(q.waitTime),
		AttributeNames:      aws.StringSlice([]string{sqs.MessageSystemAttributeNameApproximateReceiveCount}),
	}
	receiveResponse, err := q.queue.ReceiveMessageWithContext(ctx, receivedMsg)
	if err != nil {
		return nil, err
	}
	if len(receiveResponse.Messages) == 0 {
		return nil, nil
	}
	received := receiveResponse.Messages[0]
	msg := &RecvMessage{
		ID:     aws.StringValue(received.MessageId),
		Body:   aws.StringValue(received.Body),
		Handle: aws.StringValue(received.ReceiptHandle),
	}
	if raw, ok := received.Attributes[sqs.MessageSystemAttributeNameApproximateReceiveCount]; ok {
		msg.ReceiveCount, _ = strconv.Atoi(aws.StringValue(raw))
	}
	log.WithFields(log.Fields{
		"event": "receive_message",
		"queue": "aws_sqs",
	}).Debug(msg.ID)
	return msg, nil
}

// Delete ...
func (q *AWSQueue) Delete(ctx context.Context, handle string) error {
	deleteMsg := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.QueueURL),
		ReceiptHandle: aws.String(handle),
	}
	_, err := q.queue.DeleteMessageWithContext(ctx, deleteMsg)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"event": "delete_message",
		"queue": "aws_sqs",
	}).Debug(handle)
	return nil
}

// Count returns the approximate number of visible messages.
func (q *AWSQueue) Count(ctx context.Context) (int, error) {
	resp, err := q.queue.GetQueueAttributesWithContext(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(q.QueueURL),
		AttributeNames: aws.StringSlice([]string{sqs.QueueAttributeNameApproximateNumberOfMessages}),
	})
	if err != nil {
		return 0, err
	}
	raw, ok := resp.Attributes[sqs.QueueAttributeNameApproximateNumberOfMessages]
	if !ok {
		return 0, errors.New("no ApproximateNumberOfMessages attribute")
	}
	return strconv.Atoi(aws.StringValue(raw))
}
