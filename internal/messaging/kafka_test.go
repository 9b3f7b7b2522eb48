package messaging

import (
	"testing"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/gompsolo/internal/validation"
	"github.com/bardlex/gompsolo/pkg/log"
)

func TestNewKafkaClient(t *testing.T) {
	client := NewKafkaClient([]string{"localhost:9092"}, log.Discard(), nil)

	if len(client.brokers) != 1 || client.brokers[0] != "localhost:9092" {
		t.Errorf("brokers = %v", client.brokers)
	}
	if client.writers == nil || client.readers == nil {
		t.Error("writer and reader maps not initialized")
	}
}

func TestKafkaClient_GetProducer(t *testing.T) {
	client := NewKafkaClient([]string{"localhost:9092"}, log.Discard(), nil)

	producer1 := client.GetProducer(TopicShares)
	if producer1.Topic != TopicShares {
		t.Errorf("Topic = %s, want %s", producer1.Topic, TopicShares)
	}
	if producer2 := client.GetProducer(TopicShares); producer1 != producer2 {
		t.Error("producer not cached")
	}
	client.GetProducer(TopicBlocks)
	if len(client.writers) != 2 {
		t.Errorf("writers = %d, want 2", len(client.writers))
	}
}

func TestKafkaClient_GetConsumer(t *testing.T) {
	client := NewKafkaClient([]string{"localhost:9092"}, log.Discard(), nil)

	consumer1 := client.GetConsumer(TopicShares, "solo-archiver")
	if consumer2 := client.GetConsumer(TopicShares, "solo-archiver"); consumer1 != consumer2 {
		t.Error("consumer not cached")
	}
	if consumer3 := client.GetConsumer(TopicShares, "other-group"); consumer1 == consumer3 {
		t.Error("different group shares a consumer")
	}
	if len(client.readers) != 2 {
		t.Errorf("readers = %d, want 2", len(client.readers))
	}
}

func TestKafkaClient_Close(t *testing.T) {
	client := NewKafkaClient([]string{"localhost:9092"}, log.Discard(), nil)
	client.GetProducer("topic1")
	client.GetProducer("topic2")
	client.GetConsumer("topic1", "group1")

	if err := client.Close(); err != nil {
		t.Logf("Close returned error without a broker: %v", err)
	}
	if len(client.writers) != 0 || len(client.readers) != 0 {
		t.Errorf("maps not cleared: %d writers, %d readers", len(client.writers), len(client.readers))
	}
}

func TestShareEventRoundTrip(t *testing.T) {
	share := validation.Share{
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 123456789, time.UTC),
		Valid:     true,
		User:      "alice",
		JobID:     "00000000deadbeef",
	}

	msg, err := ShareEvent(share, 1.5e6)
	if err != nil {
		t.Fatalf("ShareEvent() error = %v", err)
	}

	// through the wire format the consumer sees
	data, err := proto.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	decoded := &structpb.Struct{}
	if err := proto.Unmarshal(data, decoded); err != nil {
		t.Fatal(err)
	}

	got, hashrate, err := DecodeShare(decoded)
	if err != nil {
		t.Fatalf("DecodeShare() error = %v", err)
	}
	if !got.Timestamp.Equal(share.Timestamp) || got.Valid != share.Valid || got.User != share.User || got.JobID != share.JobID {
		t.Errorf("share = %+v, want %+v", got, share)
	}
	if hashrate != 1.5e6 {
		t.Errorf("hashrate = %v", hashrate)
	}
}

func TestBlockEventRoundTrip(t *testing.T) {
	block := validation.Block{
		Hash:     "00ab",
		Header:   "ffee",
		User:     "bob",
		JobID:    "j1",
		Accepted: true,
		FoundAt:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	msg, err := BlockEvent(block)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeBlock(msg)
	if err != nil {
		t.Fatalf("DecodeBlock() error = %v", err)
	}
	if !got.FoundAt.Equal(block.FoundAt) || got.Hash != block.Hash || got.Header != block.Header ||
		got.User != block.User || got.JobID != block.JobID || !got.Accepted {
		t.Errorf("block = %+v, want %+v", got, block)
	}
}

func TestDecodeRejectsIncompleteEvents(t *testing.T) {
	noTimestamp, _ := structpb.NewStruct(map[string]any{"user": "alice"})
	noUser, _ := structpb.NewStruct(map[string]any{"timestamp": "2024-05-01T12:00:00Z"})

	tests := []struct {
		name   string
		decode func() error
	}{
		{"share without timestamp", func() error { _, _, err := DecodeShare(noTimestamp); return err }},
		{"share without user", func() error { _, _, err := DecodeShare(noUser); return err }},
		{"block without hash", func() error { _, err := DecodeBlock(noUser); return err }},
		{"difficulty without timestamp", func() error { _, _, _, err := DecodeDifficulty(noTimestamp); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.decode() == nil {
				t.Error("decode succeeded")
			}
		})
	}
}

func TestTopicConstants(t *testing.T) {
	topics := map[string]string{
		TopicShares:     "solo.shares",
		TopicBlocks:     "solo.blocks",
		TopicDifficulty: "solo.difficulty",
	}
	for got, want := range topics {
		if got != want {
			t.Errorf("topic %s, want %s", got, want)
		}
	}
}
