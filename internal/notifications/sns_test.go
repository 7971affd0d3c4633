package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

type mockPublisher struct {
	PublishFunc func(ctx context.Context, params *sns.PublishInput) (*sns.PublishOutput, error)
	inputs      []*sns.PublishInput
}

func (m *mockPublisher) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	m.inputs = append(m.inputs, params)
	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, params)
	}
	return &sns.PublishOutput{MessageId: aws.String("msg-1")}, nil
}

func TestSNSNotifier_Send(t *testing.T) {
	pub := &mockPublisher{}
	n := NewSNSNotifierWithClient(pub, "arn:aws:sns:eu-central-1:123:budget")

	err := n.Send(context.Background(), Notification{
		Type:    NotificationBudgetCritical,
		Day:     "2026-03-01",
		Message: "daily budget at 96%",
		Data:    map[string]interface{}{"total": 19200},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(pub.inputs) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(pub.inputs))
	}
	in := pub.inputs[0]
	if aws.ToString(in.TopicArn) != "arn:aws:sns:eu-central-1:123:budget" {
		t.Errorf("topic = %q", aws.ToString(in.TopicArn))
	}
	if got := aws.ToString(in.MessageAttributes["Type"].StringValue); got != "budget_critical" {
		t.Errorf("Type attribute = %q", got)
	}
	if got := aws.ToString(in.MessageAttributes["Day"].StringValue); got != "2026-03-01" {
		t.Errorf("Day attribute = %q", got)
	}

	var decoded Notification
	if err := json.Unmarshal([]byte(aws.ToString(in.Message)), &decoded); err != nil {
		t.Fatalf("message is not JSON: %v", err)
	}
	if decoded.Type != NotificationBudgetCritical {
		t.Errorf("decoded type = %q", decoded.Type)
	}
}

func TestSNSNotifier_PublishError(t *testing.T) {
	pub := &mockPublisher{
		PublishFunc: func(ctx context.Context, params *sns.PublishInput) (*sns.PublishOutput, error) {
			return nil, errors.New("throttled")
		},
	}
	n := NewSNSNotifierWithClient(pub, "arn")

	if err := n.Send(context.Background(), Notification{Type: NotificationBudgetWarning}); err == nil {
		t.Error("expected error")
	}
}

func TestInMemoryNotifier(t *testing.T) {
	n := NewInMemoryNotifier()
	n.Send(context.Background(), Notification{Type: NotificationBudgetWarning})
	n.Send(context.Background(), Notification{Type: NotificationBudgetExceeded})

	got := n.GetNotifications()
	if len(got) != 2 || got[1].Type != NotificationBudgetExceeded {
		t.Errorf("unexpected notifications: %+v", got)
	}
}
