package kafka

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// DLQError marks a handler failure as permanent: the consumer dead-letters
// the message at once instead of retrying it.
type DLQError struct {
	Err    error
	Reason string
}

func (e *DLQError) Error() string {
	if e == nil {
		return ""
	}
	if e.Reason == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *DLQError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func DLQ(err error, reason string) error {
	if err == nil {
		return nil
	}
	return &DLQError{Err: err, Reason: reason}
}

const (
	DeadLetterConsume = "consume"
	DeadLetterPublish = "publish"
)

// DeadLetter is the record written to the dead-letter topic, either for a
// consumed message that could not be handled or for an event that could not
// be published. Partition and Offset are only set for consumed messages.
type DeadLetter struct {
	Source        string    `json:"source"`
	OriginalTopic string    `json:"original_topic"`
	Partition     *int32    `json:"partition,omitempty"`
	Offset        *int64    `json:"offset,omitempty"`
	Key           string    `json:"key,omitempty"`
	Error         string    `json:"error"`
	Reason        string    `json:"reason,omitempty"`
	Attempts      int       `json:"attempts,omitempty"`
	Payload       string    `json:"payload_base64"`
	Timestamp     time.Time `json:"timestamp"`
}

func deadLetterFromMessage(msg *sarama.ConsumerMessage, cause *DLQError, attempts int) DeadLetter {
	partition, offset := msg.Partition, msg.Offset
	dl := DeadLetter{
		Source:        DeadLetterConsume,
		OriginalTopic: msg.Topic,
		Partition:     &partition,
		Offset:        &offset,
		Key:           string(msg.Key),
		Attempts:      attempts,
		Payload:       encodePayload(msg.Value),
		Timestamp:     time.Now().UTC(),
	}
	if cause != nil {
		dl.Reason = cause.Reason
		if cause.Err != nil {
			dl.Error = cause.Err.Error()
		} else {
			dl.Error = cause.Error()
		}
	}
	return dl
}

func deadLetterFromPublish(topic, key string, value any, err error, reason string) DeadLetter {
	var raw []byte
	if value != nil {
		if b, marshalErr := json.Marshal(value); marshalErr == nil {
			raw = b
		} else {
			raw = []byte(fmt.Sprintf("%v", value))
		}
	}
	dl := DeadLetter{
		Source:        DeadLetterPublish,
		OriginalTopic: topic,
		Key:           key,
		Reason:        reason,
		Attempts:      1,
		Payload:       encodePayload(raw),
		Timestamp:     time.Now().UTC(),
	}
	if err != nil {
		dl.Error = err.Error()
	}
	return dl
}

func encodePayload(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}
