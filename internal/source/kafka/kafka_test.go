package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/lsm/lineflow/internal/kafka"
	"github.com/lsm/lineflow/internal/source"
)

// mockConsumer serves the queued fetches once each and cancels the
// consuming context when they are exhausted.
type mockConsumer struct {
	mu        sync.Mutex
	batches   []kgo.Fetches
	cancel    context.CancelFunc
	committed []*kgo.Record
	commitErr error
	closed    bool
}

func (m *mockConsumer) PollFetches(context.Context) kgo.Fetches {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.batches) == 0 {
		m.cancel()
		return kgo.Fetches{}
	}
	f := m.batches[0]
	m.batches = m.batches[1:]
	return f
}

func (m *mockConsumer) MarkCommitRecords(rs ...*kgo.Record) {
	m.mu.Lock()
	m.committed = append(m.committed, rs...)
	m.mu.Unlock()
}

func (m *mockConsumer) CommitMarkedOffsets(context.Context) error { return m.commitErr }

func (m *mockConsumer) Close() { m.closed = true }

func fetchOf(topic string, partition int32, records ...*kgo.Record) kgo.Fetches {
	for i, r := range records {
		r.Topic = topic
		r.Partition = partition
		r.Offset = int64(i)
	}
	return kgo.Fetches{{Topics: []kgo.FetchTopic{{
		Topic:      topic,
		Partitions: []kgo.FetchPartition{{Partition: partition, Records: records}},
	}}}}
}

func run(t *testing.T, mc *mockConsumer, handler func(context.Context, source.Chunk) error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	mc.cancel = cancel
	src := newSource(mc, "lines", slog.Default())
	if err := src.Start(ctx, handler); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNewSource(t *testing.T) {
	cluster := &kafka.ClusterConfig{Brokers: []string{"localhost:9092"}}
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"valid", Config{Cluster: cluster, Topic: "lines", ConsumerGroup: "g", StartOffset: "earliest"}, ""},
		{"default offset", Config{Cluster: cluster, Topic: "lines", ConsumerGroup: "g"}, ""},
		{"no cluster", Config{Topic: "lines", ConsumerGroup: "g"}, "cluster config is required"},
		{"no topic", Config{Cluster: cluster, ConsumerGroup: "g"}, "topic is required"},
		{"no group", Config{Cluster: cluster, Topic: "lines"}, "consumer group is required"},
		{"bad offset", Config{Cluster: cluster, Topic: "lines", ConsumerGroup: "g", StartOffset: "oldest"}, "earliest or latest"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewSource(tt.cfg, nil)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			defer func() { _ = s.Close() }()
			if s.topic != "lines" {
				t.Errorf("topic = %s", s.topic)
			}
		})
	}
}

func TestStreamOf(t *testing.T) {
	if got := StreamOf(&kgo.Record{Key: []byte("host-1"), Topic: "logs"}); got != "host-1" {
		t.Errorf("expected key as stream, got %s", got)
	}
	if got := StreamOf(&kgo.Record{Topic: "logs", Partition: 3}); got != "logs/3" {
		t.Errorf("expected topic/partition, got %s", got)
	}
}

func TestSource_RecordsBecomeStreamChunks(t *testing.T) {
	mc := &mockConsumer{batches: []kgo.Fetches{fetchOf("lines", 0,
		&kgo.Record{Key: []byte("a"), Value: []byte("one\ntw")},
		&kgo.Record{Key: []byte("b"), Value: []byte("x\n")},
		&kgo.Record{Key: []byte("a"), Value: []byte("o\n"), Headers: []kgo.RecordHeader{
			{Key: HeaderEndOfStream, Value: []byte("true")},
			{Key: "x-request-id", Value: []byte("req-9")},
		}},
	)}}

	var got []source.Chunk
	run(t, mc, func(_ context.Context, c source.Chunk) error {
		got = append(got, c)
		return nil
	})

	want := []struct {
		stream string
		data   string
		offset int64
		end    bool
	}{
		{"a", "one\ntw", 0, false},
		{"b", "x\n", 0, false},
		{"a", "o\n", 6, false},
		{"a", "", 8, true},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d chunks, got %d: %+v", len(want), len(got), got)
	}
	for i, w := range want {
		c := got[i]
		if c.Stream != w.stream || string(c.Data) != w.data || c.Offset != w.offset || c.End != w.end {
			t.Errorf("chunk %d: expected %+v, got stream=%s data=%q offset=%d end=%v", i, w, c.Stream, c.Data, c.Offset, c.End)
		}
	}
	if got[3].Headers["lineflow-correlation-id"] != "req-9" {
		t.Errorf("expected correlation ID from x-request-id, got %v", got[3].Headers)
	}
	if len(mc.committed) != 3 {
		t.Errorf("expected 3 committed records, got %d", len(mc.committed))
	}
}

func TestSource_KeylessRecords(t *testing.T) {
	mc := &mockConsumer{batches: []kgo.Fetches{fetchOf("lines", 2,
		&kgo.Record{Value: []byte("a\n")},
		&kgo.Record{Value: []byte("b\n")},
	)}}

	var streams []string
	run(t, mc, func(_ context.Context, c source.Chunk) error {
		streams = append(streams, fmt.Sprintf("%s@%d", c.Stream, c.Offset))
		return nil
	})

	if len(streams) != 2 || streams[0] != "lines/2@0" || streams[1] != "lines/2@2" {
		t.Errorf("unexpected streams %v", streams)
	}
}

func TestSource_HandlerErrorStopsBeforeLaterRecords(t *testing.T) {
	mc := &mockConsumer{batches: []kgo.Fetches{fetchOf("lines", 0,
		&kgo.Record{Key: []byte("a"), Value: []byte("one\n")},
		&kgo.Record{Key: []byte("a"), Value: []byte("two\n")},
	)}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mc.cancel = cancel
	src := newSource(mc, "lines", slog.Default())

	sinkDown := errors.New("sink down")
	var calls int
	err := src.Start(ctx, func(context.Context, source.Chunk) error {
		calls++
		if calls == 1 {
			return sinkDown
		}
		return nil
	})
	if !errors.Is(err, sinkDown) || !strings.Contains(err.Error(), "lines/0@0") {
		t.Fatalf("expected the handler error for lines/0@0, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected no record handled after the failure, got %d calls", calls)
	}
	if len(mc.committed) != 0 {
		t.Errorf("expected nothing committed past the failed record, got %d", len(mc.committed))
	}
	if _, ok := src.positions["a"]; ok {
		t.Errorf("failed record advanced the stream position to %d", src.positions["a"])
	}
}

func TestSource_RedeliveredRecordKeepsOffsets(t *testing.T) {
	records := func() kgo.Fetches {
		return fetchOf("lines", 0,
			&kgo.Record{Key: []byte("a"), Value: []byte("one\n")},
			&kgo.Record{Key: []byte("a"), Value: []byte("two\n")},
		)
	}
	mc := &mockConsumer{batches: []kgo.Fetches{records()}}
	src := newSource(mc, "lines", slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	mc.cancel = cancel
	failed := false
	err := src.Start(ctx, func(context.Context, source.Chunk) error {
		if !failed {
			failed = true
			return errors.New("sink down")
		}
		return nil
	})
	cancel()
	if err == nil {
		t.Fatal("expected the first run to fail")
	}

	mc.batches = []kgo.Fetches{records()}
	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	mc.cancel = cancel
	var offsets []int64
	err = src.Start(ctx, func(_ context.Context, c source.Chunk) error {
		offsets = append(offsets, c.Offset)
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(offsets) != 2 || offsets[0] != 0 || offsets[1] != 4 {
		t.Errorf("expected offsets [0 4] after redelivery, got %v", offsets)
	}
	if len(mc.committed) != 2 {
		t.Errorf("expected both records committed, got %d", len(mc.committed))
	}
}

func TestSource_CommitErrorKeepsConsuming(t *testing.T) {
	mc := &mockConsumer{commitErr: errors.New("rebalance"), batches: []kgo.Fetches{fetchOf("lines", 0,
		&kgo.Record{Key: []byte("a"), Value: []byte("one\n")},
		&kgo.Record{Key: []byte("a"), Value: []byte("two\n")},
	)}}

	var n int
	run(t, mc, func(context.Context, source.Chunk) error {
		n++
		return nil
	})
	if n != 2 {
		t.Errorf("expected both records handled, got %d", n)
	}
}

func TestSource_StoppedStreamIsCommitted(t *testing.T) {
	mc := &mockConsumer{batches: []kgo.Fetches{fetchOf("lines", 0,
		&kgo.Record{Key: []byte("a"), Value: []byte("bad\n")},
	)}}

	run(t, mc, func(context.Context, source.Chunk) error {
		return fmt.Errorf("line 1: %w", source.ErrStreamStopped)
	})

	if len(mc.committed) != 1 {
		t.Errorf("expected skipped record committed, got %d", len(mc.committed))
	}
}

func TestSource_FetchErrorsAreSkipped(t *testing.T) {
	failed := kgo.Fetches{{Topics: []kgo.FetchTopic{{
		Topic:      "lines",
		Partitions: []kgo.FetchPartition{{Partition: 0, Err: errors.New("broker unavailable")}},
	}}}}
	mc := &mockConsumer{batches: []kgo.Fetches{failed, fetchOf("lines", 0,
		&kgo.Record{Key: []byte("a"), Value: []byte("x\n")},
	)}}

	var n int
	run(t, mc, func(context.Context, source.Chunk) error {
		n++
		return nil
	})
	if n != 1 {
		t.Errorf("expected 1 chunk after the fetch error, got %d", n)
	}
}

func TestSource_Close(t *testing.T) {
	mc := &mockConsumer{}
	src := newSource(mc, "lines", slog.Default())
	if err := src.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !mc.closed {
		t.Error("expected client closed")
	}
}
