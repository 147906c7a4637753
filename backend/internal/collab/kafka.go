package collab

import (
	"context"
	"encoding/json"
	"time"

	"github.com/IBM/sarama"

	"collabSync/backend/internal/ledger"
	"collabSync/backend/internal/merge"
)

const EventVersionCommitted = "VERSION_COMMITTED"

// CommitEvent is emitted for every ledger append, including the create entry
// of a new session.
type CommitEvent struct {
	EventType   string           `json:"eventType"` // 固定 "VERSION_COMMITTED"
	EventID     string           `json:"eventId"`
	SessionID   string           `json:"sessionId"`
	ContainerID string           `json:"containerId"`
	FilePath    string           `json:"filePath"`
	Version     uint64           `json:"version"`
	BaseVersion uint64           `json:"baseVersion"`
	AuthorID    string           `json:"authorId"`
	Operation   ledger.Operation `json:"operation"`
	Strategy    string           `json:"strategy,omitempty"`
	Content     string           `json:"content"`
	// Ops turns the previous version into this one; empty when the previous
	// version was already evicted.
	Ops         merge.Delta `json:"ops,omitempty"`
	CommittedAt time.Time   `json:"committedAt"`
}

// Resolution returns the audit record carried by a conflict-resolution
// commit.
func (e CommitEvent) Resolution() (ConflictResolution, bool) {
	if e.Operation != ledger.OpConflictResolution {
		return ConflictResolution{}, false
	}
	return ConflictResolution{
		SessionID:        e.SessionID,
		Strategy:         merge.Strategy(e.Strategy),
		ResolvedContent:  e.Content,
		ResolvedBy:       e.AuthorID,
		ResultingVersion: e.Version,
		Timestamp:        e.CommittedAt,
	}, true
}

// CommitHook observes commits. It runs on the session's actor and must not
// block.
type CommitHook func(CommitEvent)

// KafkaSink publishes commit events keyed by session id, so one session's
// events land on one partition.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaSink(producer sarama.SyncProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Publish(_ context.Context, evt CommitEvent) error {
	if k.producer == nil || k.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(evt.SessionID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = k.producer.SendMessage(msg)
	return err
}
