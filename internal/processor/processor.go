// Package processor accepts submission requests from Kafka and publishes
// each extrinsic's outcome back to Kafka.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/google/uuid"

	"github.com/cmatc13/chainapi/internal/signer"
	"github.com/cmatc13/chainapi/internal/submitter"
	"github.com/cmatc13/chainapi/pkg/config"
	"github.com/cmatc13/chainapi/pkg/errors"
	"github.com/cmatc13/chainapi/pkg/logging"
	"github.com/cmatc13/chainapi/pkg/metrics"
)

const (
	pollTimeout       = 100 * time.Millisecond
	flushTimeoutMs    = 15 * 1000
	metadataTimeoutMs = 5 * 1000
)

// SubmissionRequest asks for call to be signed by the named signer and
// submitted.
type SubmissionRequest struct {
	ID     string `json:"id"`
	Signer string `json:"signer"`
	// Call is the hex encoded unsigned call.
	Call string `json:"call"`
}

// SubmissionResult reports what became of a request.
type SubmissionResult struct {
	ID      string `json:"id"`
	Hash    string `json:"hash,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Submitter is the part of the orchestrator the processor drives.
type Submitter interface {
	Submit(ctx context.Context, call []byte, s signer.Signer) (string, error)
	Outcome(hash string) (success bool, resolved bool, err error)
}

// Signers resolves signer names.
type Signers interface {
	Get(name string) (signer.Signer, error)
}

// Consumer is the subset of *kafka.Consumer used here.
type Consumer interface {
	SubscribeTopics(topics []string, rebalanceCb kafka.RebalanceCb) error
	ReadMessage(timeout time.Duration) (*kafka.Message, error)
	Close() error
}

// Producer is the subset of *kafka.Producer used here.
type Producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	GetMetadata(topic *string, allTopics bool, timeoutMs int) (*kafka.Metadata, error)
	Flush(timeoutMs int) int
	Close()
}

type pendingRequest struct {
	id       string
	deadline time.Time
}

// Processor turns queued requests into submissions. Outcomes are published
// when the orchestrator reports them, or as failures once the wait timeout
// passes.
type Processor struct {
	cfg       config.KafkaConfig
	timeout   time.Duration
	submitter Submitter
	signers   Signers
	consumer  Consumer
	producer  Producer
	logger    *logging.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu      sync.Mutex
	pending map[string][]pendingRequest
}

// New creates a processor over an existing consumer and producer.
func New(cfg config.KafkaConfig, waitTimeout time.Duration, sub Submitter, signers Signers,
	consumer Consumer, producer Producer, logger *logging.Logger, m *metrics.Metrics) *Processor {
	return &Processor{
		cfg:       cfg,
		timeout:   waitTimeout,
		submitter: sub,
		signers:   signers,
		consumer:  consumer,
		producer:  producer,
		logger:    logger,
		metrics:   m,
		now:       time.Now,
		pending:   make(map[string][]pendingRequest),
	}
}

// NewKafka creates a processor with a Kafka consumer and producer built from cfg.
func NewKafka(cfg config.KafkaConfig, waitTimeout time.Duration, sub Submitter, signers Signers,
	logger *logging.Logger, m *metrics.Metrics) (*Processor, error) {
	consumer, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers": cfg.Brokers,
		"group.id":          cfg.ConsumerGroup,
		"auto.offset.reset": "earliest",
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Kafka consumer")
	}

	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": cfg.Brokers,
	})
	if err != nil {
		consumer.Close()
		return nil, errors.Wrap(err, "failed to create Kafka producer")
	}

	return New(cfg, waitTimeout, sub, signers, consumer, producer, logger, m), nil
}

// Run consumes requests until ctx is done. The consumer must already be
// subscribed.
func (p *Processor) Run(ctx context.Context) {
	p.logger.Info("Submission processor started", "topic", p.cfg.RequestTopic)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Shutting down submission processor")
			return
		default:
		}

		p.expire()

		msg, err := p.consumer.ReadMessage(pollTimeout)
		if err != nil {
			if kerr, ok := err.(kafka.Error); ok && kerr.Code() == kafka.ErrTimedOut {
				continue
			}
			p.logger.WithError(err).Error("Error reading message")
			continue
		}
		p.Handle(ctx, msg.Value)
	}
}

// Handle processes one request message.
func (p *Processor) Handle(ctx context.Context, value []byte) {
	var req SubmissionRequest
	if err := json.Unmarshal(value, &req); err != nil {
		p.logger.Warn("Malformed submission request", "error", err)
		p.publish(SubmissionResult{ID: uuid.NewString(), Error: fmt.Sprintf("invalid request format: %v", err)})
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	ctx = logging.NewContext(ctx, "request_id", req.ID)
	logger := p.logger.WithContext(ctx).WithField("signer", req.Signer)

	call, err := decodeCall(req.Call)
	if err != nil {
		logger.Warn("Invalid call in submission request", "error", err)
		p.publish(SubmissionResult{ID: req.ID, Error: err.Error()})
		return
	}

	s, err := p.signers.Get(req.Signer)
	if err != nil {
		p.publish(SubmissionResult{ID: req.ID, Error: err.Error()})
		return
	}

	hash, err := p.submitter.Submit(ctx, call, s)
	if err != nil {
		logger.WithError(err).Error("Submission failed")
		p.publish(SubmissionResult{ID: req.ID, Error: err.Error()})
		return
	}
	logger.Info("Submitted extrinsic", "hash", hash)
	p.record("submitted")

	p.mu.Lock()
	p.pending[hash] = append(p.pending[hash], pendingRequest{id: req.ID, deadline: p.now().Add(p.timeout)})
	p.mu.Unlock()

	// The outcome may have arrived before the request was recorded.
	if success, resolved, err := p.submitter.Outcome(hash); err == nil && resolved {
		p.complete(hash, success)
	}
}

// ExtrinsicResolved implements submitter.OutcomeSink.
func (p *Processor) ExtrinsicResolved(r submitter.Resolution) {
	p.complete(r.Hash, r.Success)
}

func (p *Processor) complete(hash string, success bool) {
	p.mu.Lock()
	reqs := p.pending[hash]
	delete(p.pending, hash)
	p.mu.Unlock()

	for _, req := range reqs {
		result := SubmissionResult{ID: req.id, Hash: hash, Success: success}
		if !success {
			result.Error = "extrinsic did not finalize successfully"
		}
		p.publish(result)
	}
}

// expire fails requests whose outcome did not arrive in time.
func (p *Processor) expire() {
	now := p.now()
	var expired []SubmissionResult

	p.mu.Lock()
	for hash, reqs := range p.pending {
		kept := reqs[:0]
		for _, req := range reqs {
			if now.After(req.deadline) {
				expired = append(expired, SubmissionResult{ID: req.id, Hash: hash, Error: "timed out waiting for finalization"})
			} else {
				kept = append(kept, req)
			}
		}
		if len(kept) == 0 {
			delete(p.pending, hash)
		} else {
			p.pending[hash] = kept
		}
	}
	p.mu.Unlock()

	for _, result := range expired {
		p.logger.Warn("Gave up waiting for extrinsic", "request_id", result.ID, "hash", result.Hash)
		p.publish(result)
	}
}

// Pending returns the number of requests awaiting an outcome.
func (p *Processor) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, reqs := range p.pending {
		n += len(reqs)
	}
	return n
}

func (p *Processor) publish(result SubmissionResult) {
	topic := p.cfg.FailedTopic
	if result.Success {
		topic = p.cfg.FinalizedTopic
	}

	value, err := json.Marshal(result)
	if err != nil {
		p.logger.WithError(err).Error("Error serializing submission result")
		return
	}

	err = p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &topic,
			Partition: kafka.PartitionAny,
		},
		Key:   []byte(result.ID),
		Value: value,
	}, nil)
	if err != nil {
		p.logger.WithError(err).Error("Error publishing submission result", "topic", topic)
		p.record("publish_error")
		return
	}
	if result.Success {
		p.record("finalized")
	} else {
		p.record("failed")
	}
}

func (p *Processor) record(result string) {
	if p.metrics != nil {
		p.metrics.RecordProcessorMessage(p.cfg.RequestTopic, result)
	}
}

// Ping checks that the brokers answer a metadata request.
func (p *Processor) Ping(ctx context.Context) error {
	_, err := p.producer.GetMetadata(nil, false, metadataTimeoutMs)
	return err
}

// Close flushes pending results and releases the Kafka clients.
func (p *Processor) Close() error {
	err := p.consumer.Close()
	p.producer.Flush(flushTimeoutMs)
	p.producer.Close()
	return err
}

func decodeCall(s string) ([]byte, error) {
	call, err := signer.ParseCall(s)
	if err != nil {
		return nil, errors.NewAPIError(errors.APIErrValidation, "invalid call", err)
	}
	return call, nil
}
