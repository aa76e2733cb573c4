package grpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/lsm/lineflow/internal/correlation"
	"github.com/lsm/lineflow/internal/source"
)

// clientCodec is what a bytes-speaking client, such as the gRPC sink, uses.
type clientCodec struct{}

func (clientCodec) Marshal(v any) ([]byte, error)      { return v.([]byte), nil }
func (clientCodec) Unmarshal(data []byte, v any) error { *v.(*[]byte) = data; return nil }
func (clientCodec) Name() string                       { return "lineflow-bytes" }

type recorder struct {
	mu     sync.Mutex
	chunks []source.Chunk
	fail   func(source.Chunk) error
}

func (r *recorder) handle(_ context.Context, c source.Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, c)
	if r.fail != nil {
		return r.fail(c)
	}
	return nil
}

func (r *recorder) snapshot() []source.Chunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]source.Chunk(nil), r.chunks...)
}

func startSource(t *testing.T, rec *recorder) *grpc.ClientConn {
	t.Helper()
	src, err := NewSource(Config{ListenAddr: "127.0.0.1:0"}, nil)
	if err != nil {
		t.Fatalf("new source: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- src.Start(ctx, rec.handle) }()
	<-src.ready

	conn, err := grpc.NewClient(src.ListenAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
		cancel()
		<-errCh
	})
	return conn
}

// sendStream sends chunks on one client stream and returns the assigned
// stream ID along with the call result.
func sendStream(ctx context.Context, conn *grpc.ClientConn, chunks ...string) (string, error) {
	desc := &grpc.StreamDesc{ClientStreams: true}
	cs, err := conn.NewStream(ctx, desc, "/lineflow.v1.Lines/Stream", grpc.ForceCodec(clientCodec{}))
	if err != nil {
		return "", err
	}
	for _, c := range chunks {
		if err := cs.SendMsg([]byte(c)); err != nil {
			break
		}
	}
	if err := cs.CloseSend(); err != nil {
		return "", err
	}
	var resp []byte
	recvErr := cs.RecvMsg(&resp)

	var id string
	if md, err := cs.Header(); err == nil {
		if v := md.Get(MetadataStreamID); len(v) > 0 {
			id = v[0]
		}
	}
	return id, recvErr
}

func TestSource_ReceivesStream(t *testing.T) {
	rec := &recorder{}
	conn := startSource(t, rec)

	md := metadata.New(map[string]string{"x-request-id": "req-1"})
	ctx := metadata.NewOutgoingContext(context.Background(), md)

	id, err := sendStream(ctx, conn, "one\nt", "wo\n")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if id == "" {
		t.Fatal("expected stream ID header")
	}

	got := rec.snapshot()
	if len(got) != 3 {
		t.Fatalf("expected 2 data chunks and the end chunk, got %d", len(got))
	}
	if string(got[0].Data) != "one\nt" || string(got[1].Data) != "wo\n" {
		t.Errorf("unexpected chunk data %q %q", got[0].Data, got[1].Data)
	}
	if got[1].Offset != 5 {
		t.Errorf("expected second chunk at offset 5, got %d", got[1].Offset)
	}
	if !got[2].End || got[2].Offset != 8 {
		t.Errorf("expected end chunk at offset 8, got %+v", got[2])
	}
	for _, c := range got {
		if c.Stream != id {
			t.Errorf("expected stream %s, got %s", id, c.Stream)
		}
	}
	if got[0].Headers[correlation.HeaderCorrelationID] != "req-1" {
		t.Errorf("expected correlation ID from x-request-id, got %v", got[0].Headers)
	}
}

func TestSource_UnaryCallIsSingleChunkStream(t *testing.T) {
	rec := &recorder{}
	conn := startSource(t, rec)

	var resp []byte
	err := conn.Invoke(context.Background(), "/test/Method", []byte("a\nb\n"), &resp, grpc.ForceCodec(clientCodec{}))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if string(resp) != "ok" {
		t.Errorf("expected ok response, got %q", resp)
	}

	got := rec.snapshot()
	if len(got) != 2 || !got[1].End {
		t.Fatalf("expected one data chunk and the end chunk, got %+v", got)
	}
}

func TestNewSource_MissingAddress(t *testing.T) {
	_, err := NewSource(Config{}, nil)
	if err == nil {
		t.Fatal("expected error for missing address")
	}
}

func TestSource_Close(t *testing.T) {
	src, err := NewSource(Config{ListenAddr: "127.0.0.1:0"}, nil)
	if err != nil {
		t.Fatalf("new source: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestSource_HandlerError(t *testing.T) {
	rec := &recorder{fail: func(c source.Chunk) error {
		if !c.End && c.Offset == 0 {
			return errors.New("line 1 rejected")
		}
		return nil
	}}
	conn := startSource(t, rec)

	_, err := sendStream(context.Background(), conn, "bad\n", "good\n")
	if status.Code(err) != codes.Internal {
		t.Fatalf("expected Internal, got %v", err)
	}
	if got := rec.snapshot(); len(got) != 3 {
		t.Errorf("expected stream to continue after the error, got %d chunks", len(got))
	}
}

func TestSource_StreamStopped(t *testing.T) {
	stopped := make(chan struct{})
	rec := &recorder{fail: func(c source.Chunk) error {
		if !c.End && c.Offset == 0 {
			close(stopped)
			return fmt.Errorf("line 1: %w", source.ErrStreamStopped)
		}
		return nil
	}}
	conn := startSource(t, rec)

	desc := &grpc.StreamDesc{ClientStreams: true}
	cs, err := conn.NewStream(context.Background(), desc, "/lineflow.v1.Lines/Stream", grpc.ForceCodec(clientCodec{}))
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	if err := cs.SendMsg([]byte("bad\n")); err != nil {
		t.Fatalf("send: %v", err)
	}
	<-stopped

	var resp []byte
	err = cs.RecvMsg(&resp)
	if status.Code(err) != codes.Aborted {
		t.Fatalf("expected Aborted, got %v", err)
	}

	got := rec.snapshot()
	if len(got) != 2 || !got[1].End {
		t.Errorf("expected the failed chunk and the end chunk, got %+v", got)
	}
}

func TestSource_StartListenError(t *testing.T) {
	src, err := NewSource(Config{ListenAddr: "127.0.0.1:0"}, nil)
	if err != nil {
		t.Fatalf("new source: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- src.Start(ctx, func(context.Context, source.Chunk) error { return nil })
	}()
	<-src.ready

	src2, _ := NewSource(Config{ListenAddr: src.ListenAddr}, nil)
	err = src2.Start(context.Background(), func(context.Context, source.Chunk) error { return nil })
	if err == nil {
		t.Error("expected error when port already in use")
	}

	cancel()
	<-errCh
}

func TestBytesCodec(t *testing.T) {
	var c bytesCodec
	if data, err := c.Marshal([]byte("hello")); err != nil || string(data) != "hello" {
		t.Errorf("marshal = %q, %v", data, err)
	}
	if _, err := c.Marshal("not bytes"); err == nil {
		t.Error("expected marshal error for string")
	}
	var out []byte
	if err := c.Unmarshal([]byte("data"), &out); err != nil || string(out) != "data" {
		t.Errorf("unmarshal = %q, %v", out, err)
	}
	var str string
	if err := c.Unmarshal([]byte("data"), &str); err == nil {
		t.Error("expected unmarshal error for *string")
	}
}

func TestSource_ConcurrentStreams(t *testing.T) {
	rec := &recorder{}
	conn := startSource(t, rec)

	var wg sync.WaitGroup
	ids := make([]string, 5)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := sendStream(context.Background(), conn, fmt.Sprintf("line %d\n", i))
			if err != nil {
				t.Errorf("stream %d: %v", i, err)
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, id := range ids {
		seen[id] = true
	}
	if len(seen) != 5 {
		t.Errorf("expected 5 distinct stream IDs, got %v", ids)
	}
	if got := len(rec.snapshot()); got != 10 {
		t.Errorf("expected 10 chunks, got %d", got)
	}
}
