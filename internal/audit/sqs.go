package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSAPI is the subset of the SQS client used here.
type SQSAPI interface {
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
}

// SQSSink ships audit events to a queue for downstream analysis.
type SQSSink struct {
	client   SQSAPI
	queueURL string
}

func NewSQSSink(ctx context.Context, region, queueURL string) (*SQSSink, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewSQSSinkWithClient(sqs.NewFromConfig(cfg), queueURL), nil
}

func NewSQSSinkWithClient(client SQSAPI, queueURL string) *SQSSink {
	return &SQSSink{client: client, queueURL: queueURL}
}

// Write sends up to ten events per call, the SQS batch limit.
func (s *SQSSink) Write(ctx context.Context, events []Event) error {
	for start := 0; start < len(events); start += maxBatch {
		end := start + maxBatch
		if end > len(events) {
			end = len(events)
		}
		if err := s.send(ctx, events[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQSSink) send(ctx context.Context, events []Event) error {
	entries := make([]types.SendMessageBatchRequestEntry, 0, len(events))
	for i, e := range events {
		body, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		entries = append(entries, types.SendMessageBatchRequestEntry{
			Id:          aws.String(strconv.Itoa(i)),
			MessageBody: aws.String(string(body)),
			MessageAttributes: map[string]types.MessageAttributeValue{
				"Outcome": {
					DataType:    aws.String("String"),
					StringValue: aws.String(string(e.Outcome)),
				},
			},
		})
	}

	out, err := s.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
		QueueUrl: aws.String(s.queueURL),
		Entries:  entries,
	})
	if err != nil {
		return fmt.Errorf("send message batch: %w", err)
	}
	if len(out.Failed) > 0 {
		return fmt.Errorf("send message batch: %d of %d entries failed", len(out.Failed), len(entries))
	}
	return nil
}
