package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmatc13/chainapi/internal/signer"
	"github.com/cmatc13/chainapi/internal/submitter"
	"github.com/cmatc13/chainapi/pkg/config"
	"github.com/cmatc13/chainapi/pkg/errors"
	"github.com/cmatc13/chainapi/pkg/logging"
	"github.com/cmatc13/chainapi/pkg/service"
)

var kafkaCfg = config.KafkaConfig{
	RequestTopic:   "extrinsic_requests",
	FinalizedTopic: "extrinsic_finalized",
	FailedTopic:    "extrinsic_failed",
}

type fakeSubmitter struct {
	mu       sync.Mutex
	calls    [][]byte
	err      error
	resolved map[string]bool
	lastCtx  context.Context
}

func (f *fakeSubmitter) Submit(ctx context.Context, call []byte, s signer.Signer) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCtx = ctx
	if f.err != nil {
		return "", f.err
	}
	f.calls = append(f.calls, call)
	return signer.HashPayload(call), nil
}

func (f *fakeSubmitter) Outcome(hash string) (bool, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	success, ok := f.resolved[hash]
	return success, ok, nil
}

type fakeProducer struct {
	mu       sync.Mutex
	messages []*kafka.Message
	closed   bool
}

func (f *fakeProducer) Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeProducer) GetMetadata(topic *string, allTopics bool, timeoutMs int) (*kafka.Metadata, error) {
	return &kafka.Metadata{}, nil
}

func (f *fakeProducer) Flush(timeoutMs int) int { return 0 }
func (f *fakeProducer) Close()                  { f.closed = true }

func (f *fakeProducer) results(t *testing.T) map[string][]SubmissionResult {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]SubmissionResult)
	for _, msg := range f.messages {
		var r SubmissionResult
		require.NoError(t, json.Unmarshal(msg.Value, &r))
		assert.Equal(t, r.ID, string(msg.Key))
		out[*msg.TopicPartition.Topic] = append(out[*msg.TopicPartition.Topic], r)
	}
	return out
}

type fakeConsumer struct {
	mu     sync.Mutex
	queue  [][]byte
	topics []string
	closed bool
}

func (f *fakeConsumer) SubscribeTopics(topics []string, cb kafka.RebalanceCb) error {
	f.topics = topics
	return nil
}

func (f *fakeConsumer) ReadMessage(timeout time.Duration) (*kafka.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		time.Sleep(time.Millisecond)
		return nil, kafka.NewError(kafka.ErrTimedOut, "timed out", false)
	}
	value := f.queue[0]
	f.queue = f.queue[1:]
	return &kafka.Message{Value: value}, nil
}

func (f *fakeConsumer) Close() error {
	f.closed = true
	return nil
}

type keyring map[string]signer.Signer

func (k keyring) Get(name string) (signer.Signer, error) {
	s, ok := k[name]
	if !ok {
		return nil, errors.ChainErrorf(errors.ChainErrUnknownSigner, "no signer named %q", name)
	}
	return s, nil
}

func newProcessor(t *testing.T) (*Processor, *fakeSubmitter, *fakeProducer, *fakeConsumer) {
	t.Helper()
	key, err := signer.NewKeyPair(signer.DefaultSS58Prefix)
	require.NoError(t, err)

	sub := &fakeSubmitter{resolved: make(map[string]bool)}
	prod := &fakeProducer{}
	cons := &fakeConsumer{}
	p := New(kafkaCfg, time.Minute, sub, keyring{"alice": key}, cons, prod, logging.Nop(), nil)
	return p, sub, prod, cons
}

func request(t *testing.T, id, signerName, call string) []byte {
	t.Helper()
	b, err := json.Marshal(SubmissionRequest{ID: id, Signer: signerName, Call: call})
	require.NoError(t, err)
	return b
}

func TestHandlePublishesOutcome(t *testing.T) {
	p, sub, prod, _ := newProcessor(t)

	p.Handle(context.Background(), request(t, "req-1", "alice", "0x0102"))
	require.Len(t, sub.calls, 1)
	assert.Equal(t, []byte{0x01, 0x02}, sub.calls[0])
	assert.Equal(t, 1, p.Pending())
	assert.Empty(t, prod.results(t))

	hash := signer.HashPayload([]byte{0x01, 0x02})
	p.ExtrinsicResolved(submitter.Resolution{Hash: hash, Success: true})

	results := prod.results(t)
	require.Len(t, results[kafkaCfg.FinalizedTopic], 1)
	assert.Equal(t, SubmissionResult{ID: "req-1", Hash: hash, Success: true}, results[kafkaCfg.FinalizedTopic][0])
	assert.Zero(t, p.Pending())

	// a second resolution has no one left to notify
	p.ExtrinsicResolved(submitter.Resolution{Hash: hash, Success: false})
	assert.Len(t, prod.results(t)[kafkaCfg.FailedTopic], 0)
}

func TestHandlePassesRequestIDToSubmitter(t *testing.T) {
	p, sub, _, _ := newProcessor(t)
	p.Handle(context.Background(), request(t, "req-7", "alice", "0x0102"))
	require.NotNil(t, sub.lastCtx)

	var buf bytes.Buffer
	logging.New(logging.Config{Output: &buf}).WithContext(sub.lastCtx).Info("submitting")
	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "req-7", line["request_id"])
}

func TestHandleOutcomeAlreadyKnown(t *testing.T) {
	p, sub, prod, _ := newProcessor(t)
	sub.resolved[signer.HashPayload([]byte{0xaa})] = false

	p.Handle(context.Background(), request(t, "req-1", "alice", "aa"))

	failed := prod.results(t)[kafkaCfg.FailedTopic]
	require.Len(t, failed, 1)
	assert.Equal(t, "req-1", failed[0].ID)
	assert.False(t, failed[0].Success)
	assert.Zero(t, p.Pending())
}

func TestHandleRejectsBadRequests(t *testing.T) {
	cases := map[string][]byte{
		"malformed json": []byte(`{"id":`),
		"bad call":       request(t, "req-2", "alice", "0xzz"),
		"empty call":     request(t, "req-3", "alice", ""),
		"unknown signer": request(t, "req-4", "mallory", "0x01"),
	}
	for name, value := range cases {
		t.Run(name, func(t *testing.T) {
			p, sub, prod, _ := newProcessor(t)
			p.Handle(context.Background(), value)

			assert.Empty(t, sub.calls)
			failed := prod.results(t)[kafkaCfg.FailedTopic]
			require.Len(t, failed, 1)
			assert.NotEmpty(t, failed[0].ID)
			assert.NotEmpty(t, failed[0].Error)
		})
	}
}

func TestHandleSubmitFailure(t *testing.T) {
	p, sub, prod, _ := newProcessor(t)
	sub.err = errors.ChainErrorf(errors.ChainErrSubmitFailed, "pool full")

	p.Handle(context.Background(), request(t, "", "alice", "0x01"))

	failed := prod.results(t)[kafkaCfg.FailedTopic]
	require.Len(t, failed, 1)
	assert.Len(t, failed[0].ID, 36, "missing ids are replaced by a uuid")
	assert.Contains(t, failed[0].Error, "SUBMIT_FAILED")
}

func TestExpirePublishesTimeouts(t *testing.T) {
	p, _, prod, _ := newProcessor(t)
	now := time.Now()
	p.now = func() time.Time { return now }

	p.Handle(context.Background(), request(t, "req-1", "alice", "0x01"))
	p.expire()
	assert.Equal(t, 1, p.Pending())

	now = now.Add(2 * time.Minute)
	p.expire()
	assert.Zero(t, p.Pending())

	failed := prod.results(t)[kafkaCfg.FailedTopic]
	require.Len(t, failed, 1)
	assert.Equal(t, "timed out waiting for finalization", failed[0].Error)
}

func TestServiceConsumesQueue(t *testing.T) {
	p, sub, prod, cons := newProcessor(t)
	cons.queue = [][]byte{request(t, "req-1", "alice", "0x01"), request(t, "req-2", "alice", "0x02")}

	svc := NewService(p)
	assert.Equal(t, []string{"submitter"}, svc.Dependencies())
	require.NoError(t, svc.Start(context.Background()))
	assert.NoError(t, svc.Health())
	assert.Equal(t, []string{kafkaCfg.RequestTopic}, cons.topics)

	assert.Eventually(t, func() bool { return p.Pending() == 2 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, svc.Stop(ctx))
	assert.Equal(t, service.StatusStopped, svc.Status())
	assert.True(t, cons.closed)
	assert.True(t, prod.closed)
	assert.Len(t, sub.calls, 2)
	assert.NoError(t, p.Ping(ctx))
}

func TestPublishFailureIsCounted(t *testing.T) {
	p, _, _, _ := newProcessor(t)
	p.producer = &failingProducer{}
	// must not panic without metrics or a working producer
	p.publish(SubmissionResult{ID: "x"})
}

type failingProducer struct{ fakeProducer }

func (*failingProducer) Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error {
	return fmt.Errorf("queue full")
}
