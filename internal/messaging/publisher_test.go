package messaging

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/gompsolo/internal/validation"
	"github.com/bardlex/gompsolo/pkg/log"
)

type published struct {
	topic string
	key   string
	msg   *structpb.Struct
}

type fakeProducer struct {
	mu   sync.Mutex
	fail bool
	sent []published
}

func (p *fakeProducer) PublishProto(_ context.Context, topic, key string, msg proto.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return fmt.Errorf("broker unavailable")
	}
	p.sent = append(p.sent, published{topic: topic, key: key, msg: msg.(*structpb.Struct)})
	return nil
}

func (p *fakeProducer) messages() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.sent...)
}

func TestPublisherFlushesOnShutdown(t *testing.T) {
	producer := &fakeProducer{}
	p := NewPublisher(producer, 16, log.Discard())
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return at }

	p.OnShare(validation.Share{Timestamp: at, Valid: true, User: "alice", JobID: "j1"}, 42)
	p.OnBlock(validation.Block{Hash: "00ab", User: "alice", JobID: "j1", Accepted: true, FoundAt: at})
	p.OnDifficulty(4, 4.8)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Run(ctx); err != context.Canceled {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}

	sent := producer.messages()
	if len(sent) != 3 {
		t.Fatalf("published %d events, want 3", len(sent))
	}

	want := []struct{ topic, key string }{
		{TopicShares, "alice"},
		{TopicBlocks, "00ab"},
		{TopicDifficulty, "pool"},
	}
	for i, w := range want {
		if sent[i].topic != w.topic || sent[i].key != w.key {
			t.Errorf("event %d = %s/%s, want %s/%s", i, sent[i].topic, sent[i].key, w.topic, w.key)
		}
	}

	prev, cur, ts, err := DecodeDifficulty(sent[2].msg)
	if err != nil || prev != 4 || cur != 4.8 || !ts.Equal(at) {
		t.Errorf("difficulty event = %v %v %v %v", prev, cur, ts, err)
	}
}

func TestPublisherRunDelivers(t *testing.T) {
	producer := &fakeProducer{}
	p := NewPublisher(producer, 16, log.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	p.OnShare(validation.Share{Timestamp: time.Now(), User: "bob"}, 0)

	deadline := time.Now().Add(2 * time.Second)
	for len(producer.messages()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(producer.messages()) != 1 {
		t.Error("share event not published")
	}

	cancel()
	<-done
}

func TestPublisherDropsWhenQueueFull(t *testing.T) {
	p := NewPublisher(&fakeProducer{}, 1, log.Discard())
	for range 4 {
		p.OnDifficulty(1, 2)
	}
	if got := p.Dropped(); got != 3 {
		t.Errorf("Dropped() = %d, want 3", got)
	}
}

func TestPublisherSurvivesBrokerFailure(t *testing.T) {
	producer := &fakeProducer{fail: true}
	p := NewPublisher(producer, 4, log.Discard())
	p.OnShare(validation.Share{Timestamp: time.Now(), User: "alice"}, 0)
	p.OnShare(validation.Share{Timestamp: time.Now(), User: "bob"}, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.Run(ctx)

	if len(p.queue) != 0 {
		t.Errorf("%d events left queued after a failed flush", len(p.queue))
	}
}
