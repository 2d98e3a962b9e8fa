package kafka

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
)

type Producer struct {
	sync        sarama.SyncProducer
	topicPrefix string
	source      string
}

func NewProducer(brokers []string, topicPrefix string, cfg *sarama.Config) (*Producer, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Producer.Return.Successes = true
	cfg.Net.MaxOpenRequests = 1
	sync, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return &Producer{sync: sync, topicPrefix: topicPrefix, source: "app://staysync"}, nil
}

// PublishEvent wraps the payload in a CloudEvents envelope and publishes it
// keyed by aggregate id.
func (p *Producer) PublishEvent(ctx context.Context, name, aggregateID string, data any) error {
	evt := map[string]any{
		"specversion":     "1.0",
		"id":              uuid.NewString(),
		"type":            name,
		"source":          p.source,
		"time":            time.Now().UTC(),
		"datacontenttype": "application/json",
		"data":            data,
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topicFor(name),
		Key:   sarama.StringEncoder(aggregateID),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("content-type"), Value: []byte("application/cloudevents+json")},
		},
	}
	_, _, err = p.sync.SendMessage(msg)
	return err
}

func (p *Producer) topicFor(name string) string {
	base := name
	if idx := strings.Index(name, "."); idx > 0 {
		base = name[:idx]
	}
	topic := base + ".events.v1"
	if p.topicPrefix != "" {
		topic = p.topicPrefix + topic
	}
	return topic
}

func (p *Producer) Close() error {
	if p.sync == nil {
		return nil
	}
	return p.sync.Close()
}
