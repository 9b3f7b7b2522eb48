package messaging

import (
	"context"
	"sync/atomic"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/gompsolo/internal/metrics"
	"github.com/bardlex/gompsolo/internal/validation"
	"github.com/bardlex/gompsolo/pkg/log"
)

const defaultPublishQueue = 4096

// Producer is the publishing side of KafkaClient
type Producer interface {
	PublishProto(ctx context.Context, topic, key string, msg proto.Message) error
}

type outgoing struct {
	topic string
	key   string
	msg   *structpb.Struct
}

// Publisher forwards pool events to Kafka. The pool core calls it
// synchronously, so events are queued and sent from Run.
type Publisher struct {
	producer Producer
	logger   *log.Logger
	queue    chan outgoing
	dropped  atomic.Uint64
	now      func() time.Time
}

// NewPublisher creates a publisher with a bounded queue
func NewPublisher(producer Producer, queueSize int, logger *log.Logger) *Publisher {
	if queueSize <= 0 {
		queueSize = defaultPublishQueue
	}
	return &Publisher{
		producer: producer,
		logger:   logger.WithComponent("events"),
		queue:    make(chan outgoing, queueSize),
		now:      time.Now,
	}
}

// OnShare publishes a share event keyed by user
func (p *Publisher) OnShare(share validation.Share, hashrate float64) {
	msg, err := ShareEvent(share, hashrate)
	p.enqueue(TopicShares, share.User, msg, err)
}

// OnBlock publishes a block event keyed by hash
func (p *Publisher) OnBlock(block validation.Block) {
	msg, err := BlockEvent(block)
	p.enqueue(TopicBlocks, block.Hash, msg, err)
}

// OnDifficulty publishes a difficulty change
func (p *Publisher) OnDifficulty(previous, current float64) {
	msg, err := DifficultyEvent(previous, current, p.now())
	p.enqueue(TopicDifficulty, "pool", msg, err)
}

func (p *Publisher) enqueue(topic, key string, msg *structpb.Struct, err error) {
	if err != nil {
		p.logger.WithError(err).Error("failed to encode event", "topic", topic)
		return
	}
	select {
	case p.queue <- outgoing{topic: topic, key: key, msg: msg}:
	default:
		p.dropped.Add(1)
		metrics.RecordPersistenceError("kafka_queue")
		p.logger.Warn("event queue full, dropping event", "topic", topic)
	}
}

// Dropped returns how many events were discarded on a full queue
func (p *Publisher) Dropped() uint64 {
	return p.dropped.Load()
}

// Run publishes queued events until ctx is cancelled, then flushes what is
// already queued with a short deadline
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case out := <-p.queue:
			p.publish(ctx, out)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			p.flush(flushCtx)
			cancel()
			return ctx.Err()
		}
	}
}

func (p *Publisher) flush(ctx context.Context) {
	for {
		select {
		case out := <-p.queue:
			p.publish(ctx, out)
		default:
			return
		}
	}
}

func (p *Publisher) publish(ctx context.Context, out outgoing) {
	if err := p.producer.PublishProto(ctx, out.topic, out.key, out.msg); err != nil {
		metrics.RecordPersistenceError("kafka")
		p.logger.WithError(err).Warn("failed to publish event", "topic", out.topic, "key", out.key)
	}
}
