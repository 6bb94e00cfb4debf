// Package ingest moves driver location samples through Kafka so the API
// server does not write every GPS tick to the job record itself.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/farm-market/internal/models"
)

// Sample is one location checkpoint reported for a job.
type Sample struct {
	JobID      string            `json:"jobId"`
	DriverID   string            `json:"driverId"`
	Checkpoint models.Checkpoint `json:"checkpoint"`
}

func (s Sample) Encode() ([]byte, error) { return json.Marshal(s) }

func DecodeSample(b []byte) (Sample, error) {
	var s Sample
	err := json.Unmarshal(b, &s)
	return s, err
}

type KafkaProducer struct {
	writer  *kafka.Writer
	timeout time.Duration
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}})
	return &KafkaProducer{writer: w, timeout: 2 * time.Second}
}

// PublishCheckpoint keys messages by job id so one job's samples stay ordered.
func (k *KafkaProducer) PublishCheckpoint(ctx context.Context, s Sample) error {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	b, err := s.Encode()
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(s.JobID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
