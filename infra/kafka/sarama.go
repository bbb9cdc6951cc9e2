package kafka

import (
	"context"

	"github.com/IBM/sarama"
)

// SaramaProducer publishes through a sarama SyncProducer.
type SaramaProducer struct {
	producer sarama.SyncProducer
	topic    string
}

// SaramaConfig is the producer configuration used for audit events.
func SaramaConfig(maxRetries int) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = maxRetries
	return cfg
}

func NewSaramaProducer(brokers []string, topic string, maxRetries int) (*SaramaProducer, error) {
	p, err := sarama.NewSyncProducer(brokers, SaramaConfig(maxRetries))
	if err != nil {
		return nil, err
	}
	return WrapSarama(p, topic), nil
}

// WrapSarama adapts an existing SyncProducer.
func WrapSarama(p sarama.SyncProducer, topic string) *SaramaProducer {
	return &SaramaProducer{producer: p, topic: topic}
}

// Publish sends one message. SyncProducer does not take a context; ctx
// is only checked before sending.
func (p *SaramaProducer) Publish(ctx context.Context, key, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, _, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.ByteEncoder(key),
		Value: sarama.ByteEncoder(value),
	})
	return err
}

func (p *SaramaProducer) Close() error {
	return p.producer.Close()
}
