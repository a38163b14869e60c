package circuitry

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// snsEnvelope is the notification wrapper SNS adds around a payload when it
// delivers into an SQS queue with raw message delivery disabled.
type snsEnvelope struct {
	Type      string `json:"Type"`
	MessageID string `json:"MessageId"`
	TopicArn  string `json:"TopicArn"`
	Message   string `json:"Message"`
}

// Message is a read-only view over one received queue record. When the record
// carries an SNS notification envelope the body and topic are taken from the
// envelope, otherwise the raw record body is used and the topic is empty.
type Message struct {
	id            string
	body          []byte
	topic         string
	receiptHandle string
}

// NewMessage wraps a raw SQS record, unwrapping an SNS envelope if present.
// Records missing an id, body or receipt handle are rejected with
// ErrInvalidRecord.
func NewMessage(record types.Message) (Message, error) {
	id := aws.ToString(record.MessageId)
	body := aws.ToString(record.Body)
	handle := aws.ToString(record.ReceiptHandle)

	switch {
	case id == "":
		return Message{}, fmt.Errorf("%w: missing message id", ErrInvalidRecord)
	case body == "":
		return Message{}, fmt.Errorf("%w: missing body", ErrInvalidRecord)
	case handle == "":
		return Message{}, fmt.Errorf("%w: missing receipt handle", ErrInvalidRecord)
	}

	m := Message{id: id, body: []byte(body), receiptHandle: handle}

	var env snsEnvelope
	if err := json.Unmarshal([]byte(body), &env); err == nil && env.Type == "Notification" && env.TopicArn != "" {
		m.body = []byte(env.Message)
		m.topic = topicNameFromARN(env.TopicArn)
	}
	return m, nil
}

// ID returns the queue-assigned message id.
func (m Message) ID() string { return m.id }

// Body returns the message payload with any SNS envelope stripped.
func (m Message) Body() []byte { return m.body }

// Topic returns the originating topic name, or "" for messages sent straight
// to the queue.
func (m Message) Topic() string { return m.topic }

// ReceiptHandle returns the handle used to delete the message or change its
// visibility.
func (m Message) ReceiptHandle() string { return m.receiptHandle }

func topicNameFromARN(arn string) string {
	if i := strings.LastIndex(arn, ":"); i >= 0 {
		return arn[i+1:]
	}
	return arn
}
