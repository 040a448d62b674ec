// Package orchestrator is the node's channel to the task source of truth.
// Tasks arrive on one topic of the orchestrator's broker; certificates and
// negative acknowledgments are submitted to another.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"

	"github.com/avsguild/contributor/client/config"
	"github.com/avsguild/contributor/client/modules/logger"
	"github.com/avsguild/contributor/client/types"
)

const (
	kafkaMinBytes    = 10
	kafkaMaxBytes    = 10e6
	kafkaMaxAttempts = 16

	defaultSubmitAttempts = 5
)

const (
	ResultKindCertificate = "certificate"
	ResultKindFailure     = "failure"
)

// ResultMessage is what the node publishes back to the orchestrator: either
// a quorum certificate or a negative acknowledgment the orchestrator can
// use to reassign or escalate.
type ResultMessage struct {
	SubmissionID string                   `json:"submission_id"`
	Kind         string                   `json:"kind"`
	TaskID       string                   `json:"task_id"`
	Certificate  *types.QuorumCertificate `json:"certificate,omitempty"`
	Reason       string                   `json:"reason,omitempty"`
	SubmittedBy  string                   `json:"submitted_by"`
	SubmittedAt  time.Time                `json:"submitted_at"`
}

type Client interface {
	ReceiveTask(ctx context.Context) (*types.Task, error)
	Submit(ctx context.Context, certificate *types.QuorumCertificate) error
	SubmitFailure(ctx context.Context, taskID, reason string) error
	Close() error
}

type KafkaClient struct {
	reader *kafka.Reader
	writer *kafka.Writer

	nodeID         string
	submitAttempts uint64
	logger         logger.Logger
}

func parseCredentials(creds string) (*plain.Mechanism, error) {
	if creds == "" {
		return nil, nil
	}
	parts := strings.SplitN(creds, ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("failed to parse credentials")
	}
	return &plain.Mechanism{Username: parts[0], Password: parts[1]}, nil
}

func NewKafkaClient(cfg *config.KafkaConfig, nodeID string, log logger.Logger) (*KafkaClient, error) {
	tlsConfig, err := GetTLSConfig(cfg.TrustStorePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create tls config: %w", err)
	}

	consumerCreds, err := parseCredentials(cfg.ConsumerCredentials)
	if err != nil {
		return nil, fmt.Errorf("failed to parse consumer credentials: %w", err)
	}
	producerCreds, err := parseCredentials(cfg.ProducerCredentials)
	if err != nil {
		return nil, fmt.Errorf("failed to parse producer credentials: %w", err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     []string{cfg.Endpoint},
		GroupID:     cfg.ConsumerGroup,
		Topic:       cfg.TasksTopic,
		MinBytes:    kafkaMinBytes,
		MaxBytes:    kafkaMaxBytes,
		MaxAttempts: kafkaMaxAttempts,
		Dialer: &kafka.Dialer{
			Timeout:       timeout,
			DualStack:     true,
			TLS:           tlsConfig,
			SASLMechanism: consumerCreds,
		},
	})

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Endpoint),
		Topic:        cfg.ResultsTopic,
		Balancer:     &kafka.LeastBytes{},
		MaxAttempts:  kafkaMaxAttempts,
		BatchTimeout: timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		Transport: &kafka.Transport{
			Dial: (&net.Dialer{
				Timeout: timeout,
			}).DialContext,
			TLS:  tlsConfig,
			SASL: producerCreds,
		},
	}

	submitAttempts := cfg.MaxSubmitAttempts
	if submitAttempts == 0 {
		submitAttempts = defaultSubmitAttempts
	}

	return &KafkaClient{
		reader:         reader,
		writer:         writer,
		nodeID:         nodeID,
		submitAttempts: submitAttempts,
		logger:         log,
	}, nil
}

// ReceiveTask blocks until a task arrives or the context is cancelled.
func (c *KafkaClient) ReceiveTask(ctx context.Context) (*types.Task, error) {
	for {
		kafkaMessage, err := c.reader.ReadMessage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to ReadMessage: %w", err)
		}

		var task types.Task
		if err := json.Unmarshal(kafkaMessage.Value, &task); err != nil {
			c.logger.Log("skipping unparsable task message at offset %d: %v", kafkaMessage.Offset, err)
			continue
		}
		if err := task.Validate(); err != nil {
			c.logger.Log("skipping invalid task message at offset %d: %v", kafkaMessage.Offset, err)
			continue
		}

		return &task, nil
	}
}

// Submit publishes a quorum certificate, retrying transient failures with
// exponential backoff. After the bounded number of attempts the task is
// stalled, not silently dropped: a SubmissionError is returned.
func (c *KafkaClient) Submit(ctx context.Context, certificate *types.QuorumCertificate) error {
	return c.publish(ctx, &ResultMessage{
		SubmissionID: uuid.New().String(),
		Kind:         ResultKindCertificate,
		TaskID:       certificate.TaskID,
		Certificate:  certificate,
		SubmittedBy:  c.nodeID,
		SubmittedAt:  time.Now().UTC(),
	})
}

// SubmitFailure publishes a negative acknowledgment for a failed session.
func (c *KafkaClient) SubmitFailure(ctx context.Context, taskID, reason string) error {
	return c.publish(ctx, &ResultMessage{
		SubmissionID: uuid.New().String(),
		Kind:         ResultKindFailure,
		TaskID:       taskID,
		Reason:       reason,
		SubmittedBy:  c.nodeID,
		SubmittedAt:  time.Now().UTC(),
	})
}

func (c *KafkaClient) publish(ctx context.Context, result *ResultMessage) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result message: %w", err)
	}

	operation := func() error {
		return c.writer.WriteMessages(ctx, kafka.Message{
			Key:   []byte(result.TaskID),
			Value: data,
		})
	}

	policy := backoff.WithMaxRetries(backoff.WithContext(backoff.NewExponentialBackOff(), ctx), c.submitAttempts)
	if err := backoff.Retry(operation, policy); err != nil {
		return &types.SubmissionError{TaskID: result.TaskID, Err: err}
	}

	return nil
}

func (c *KafkaClient) Close() error {
	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("failed to close reader: %w", err)
	}
	if err := c.writer.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	return nil
}
