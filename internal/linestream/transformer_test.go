package linestream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"strings"
	"testing"
	"testing/iotest"
)

// --- Helpers ---

type recorder struct {
	calls []string
	fn    func(line string) (string, error)
}

func (r *recorder) TransformLine(_ context.Context, line string) (string, error) {
	r.calls = append(r.calls, line)
	if r.fn != nil {
		return r.fn(line)
	}
	return line, nil
}

func newTestTransformer(t *testing.T, cb Callback, opts ...Option) (*Transformer, *Collector) {
	t.Helper()
	c := &Collector{}
	tr, err := New(cb, c, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tr, c
}

func feed(t *testing.T, tr *Transformer, chunks ...[]byte) {
	t.Helper()
	ctx := context.Background()
	for i, ch := range chunks {
		if err := tr.Write(ctx, ch); err != nil {
			t.Fatalf("write chunk %d: %v", i, err)
		}
	}
	if err := tr.End(ctx); err != nil {
		t.Fatalf("end: %v", err)
	}
}

var errBad = errors.New("bad line")

func failOnBad(line string) (string, error) {
	if line == "bad" {
		return "", errBad
	}
	return line, nil
}

// --- Tests ---

func TestNew_InvalidArguments(t *testing.T) {
	var nilFunc LineFunc
	tests := []struct {
		name string
		cb   Callback
		next Stage
		opts []Option
	}{
		{name: "nil callback", cb: nil, next: &Collector{}},
		{name: "typed nil func", cb: nilFunc, next: &Collector{}},
		{name: "nil next stage", cb: Identity, next: nil},
		{name: "unknown encoding", cb: Identity, next: &Collector{}, opts: []Option{WithStringEncoding("klingon")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := New(tt.cb, tt.next, tt.opts...)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("expected ErrInvalidArgument, got %v", err)
			}
			if tr != nil {
				t.Error("expected nil transformer")
			}
		})
	}
}

func TestTransform_IdentityRoundTrip(t *testing.T) {
	tr, c := newTestTransformer(t, Identity)
	feed(t, tr, []byte("a\nb\nc\n"))

	if got := c.String(); got != "a\nb\nc\n" {
		t.Errorf("expected %q, got %q", "a\nb\nc\n", got)
	}
	if n := len(c.Chunks()); n != 1 {
		t.Errorf("expected 1 output chunk, got %d", n)
	}
	if !c.Ended() {
		t.Error("expected downstream to be ended")
	}
}

func TestTransform_PartialFinalLineFlushedAtEnd(t *testing.T) {
	rec := &recorder{}
	tr, c := newTestTransformer(t, rec)
	ctx := context.Background()

	if err := tr.Write(ctx, []byte("a\nb")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(rec.calls) != 1 || rec.calls[0] != "a" {
		t.Fatalf("expected only %q transformed before end, got %q", "a", rec.calls)
	}
	if got := c.String(); got != "a\n" {
		t.Fatalf("expected %q before end, got %q", "a\n", got)
	}
	if tr.Buffered() != 1 {
		t.Errorf("expected 1 buffered byte, got %d", tr.Buffered())
	}

	if err := tr.End(ctx); err != nil {
		t.Fatalf("end: %v", err)
	}
	if strings.Join(rec.calls, ",") != "a,b" {
		t.Errorf("expected calls a,b got %q", rec.calls)
	}
	if got := c.String(); got != "a\nb\n" {
		t.Errorf("expected %q, got %q", "a\nb\n", got)
	}
}

func TestTransform_EmptyLines(t *testing.T) {
	rec := &recorder{}
	tr, c := newTestTransformer(t, rec)
	feed(t, tr, []byte("\n\n"))

	if len(rec.calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(rec.calls))
	}
	for i, call := range rec.calls {
		if call != "" {
			t.Errorf("call %d: expected empty line, got %q", i, call)
		}
	}
	if got := c.String(); got != "\n\n" {
		t.Errorf("expected %q, got %q", "\n\n", got)
	}
}

func TestTransform_EmptyInputEmitsNothing(t *testing.T) {
	rec := &recorder{}
	tr, c := newTestTransformer(t, rec)
	feed(t, tr)

	if len(rec.calls) != 0 {
		t.Errorf("expected no calls, got %q", rec.calls)
	}
	if len(c.Chunks()) != 0 {
		t.Errorf("expected no output chunks, got %d", len(c.Chunks()))
	}
	if !c.Ended() {
		t.Error("expected downstream to be ended")
	}
}

func TestTransform_CallbackFailureIsolatesChunk(t *testing.T) {
	rec := &recorder{fn: failOnBad}
	tr, c := newTestTransformer(t, rec)
	ctx := context.Background()

	err := tr.Write(ctx, []byte("good\nbad\nafter\n"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, ErrTransformCallback) {
		t.Errorf("expected ErrTransformCallback, got %v", err)
	}
	if !errors.Is(err, errBad) {
		t.Errorf("expected original cause in chain, got %v", err)
	}
	var cbErr *CallbackError
	if !errors.As(err, &cbErr) {
		t.Fatalf("expected *CallbackError, got %T", err)
	}
	if cbErr.Line != 2 || cbErr.Text != "bad" {
		t.Errorf("expected line 2 %q, got line %d %q", "bad", cbErr.Line, cbErr.Text)
	}

	if n := len(c.Chunks()); n != 0 {
		t.Errorf("expected no output for failed chunk, got %d chunks", n)
	}
	if errs := c.Errors(); len(errs) != 1 || !errors.Is(errs[0], ErrTransformCallback) {
		t.Errorf("expected failure reported downstream, got %v", errs)
	}
	if strings.Join(rec.calls, ",") != "good,bad" {
		t.Errorf("expected dispatch to stop at failing line, got %q", rec.calls)
	}
	if tr.Buffered() != 0 {
		t.Errorf("expected empty carry, got %d bytes", tr.Buffered())
	}

	// The stream can continue after a failed chunk.
	if err := tr.Write(ctx, []byte("next\n")); err != nil {
		t.Fatalf("write after failure: %v", err)
	}
	if got := c.String(); got != "next\n" {
		t.Errorf("expected %q, got %q", "next\n", got)
	}

	err = tr.Write(ctx, []byte("bad\n"))
	if !errors.As(err, &cbErr) || cbErr.Line != 5 {
		t.Errorf("expected failure at line 5, got %v", err)
	}
}

func TestTransform_FailureKeepsCarryFromFailingChunk(t *testing.T) {
	tr, c := newTestTransformer(t, LineFunc(func(_ context.Context, line string) (string, error) {
		return failOnBad(line)
	}))
	ctx := context.Background()

	if err := tr.Write(ctx, []byte("bad\nhal")); err == nil {
		t.Fatal("expected error")
	}
	if err := tr.Write(ctx, []byte("f\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := c.String(); got != "half\n" {
		t.Errorf("expected %q, got %q", "half\n", got)
	}
}

func TestTransform_NoAutomaticNewline(t *testing.T) {
	upper := LineFunc(func(_ context.Context, line string) (string, error) {
		return strings.ToUpper(line) + ";", nil
	})
	tr, c := newTestTransformer(t, upper, WithAutomaticNewline(false))
	feed(t, tr, []byte("x\ny\n"))

	if got := c.String(); got != "X;Y;" {
		t.Errorf("expected %q, got %q", "X;Y;", got)
	}
}

func TestTransform_EmptyChunks(t *testing.T) {
	tests := []struct {
		name       string
		opts       []Option
		wantChunks int
	}{
		{name: "skipped by default", wantChunks: 0},
		{name: "emitted when enabled", opts: []Option{WithEmptyChunks(true)}, wantChunks: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, c := newTestTransformer(t, Identity, tt.opts...)
			if err := tr.Write(context.Background(), []byte("no newline yet")); err != nil {
				t.Fatalf("write: %v", err)
			}
			if n := len(c.Chunks()); n != tt.wantChunks {
				t.Errorf("expected %d chunks, got %d", tt.wantChunks, n)
			}
		})
	}
}

func TestTransform_ChunkBoundaryIndependence(t *testing.T) {
	inputs := []string{
		"a\nb\nc\n",
		"a\nb",
		"\n\n",
		"no newline at all",
		"line one\n\nline three\nunterminated",
		"héllo\nwörld €\n日本語\nlast",
	}
	upper := func(line string) (string, error) {
		return strings.ToUpper(line) + "|", nil
	}

	for _, input := range inputs {
		ref := &recorder{fn: upper}
		trRef, cRef := newTestTransformer(t, ref)
		feed(t, trRef, []byte(input))
		want := cRef.String()

		data := []byte(input)
		for i := 0; i <= len(data); i++ {
			for j := i; j <= len(data); j++ {
				rec := &recorder{fn: upper}
				tr, c := newTestTransformer(t, rec)
				feed(t, tr, data[:i], data[i:j], data[j:])

				if got := c.String(); got != want {
					t.Fatalf("input %q split at %d,%d: expected %q, got %q", input, i, j, want, got)
				}
				if strings.Join(rec.calls, "\x00") != strings.Join(ref.calls, "\x00") {
					t.Fatalf("input %q split at %d,%d: expected calls %q, got %q", input, i, j, ref.calls, rec.calls)
				}
			}
		}
	}
}

func TestTransform_RandomFragmentation(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	var sb strings.Builder
	for i := 0; i < 500; i++ {
		sb.WriteString(strings.Repeat("ü", rng.Intn(5)))
		sb.WriteString(strings.Repeat("x", rng.Intn(20)))
		if rng.Intn(4) > 0 {
			sb.WriteByte('\n')
		}
	}
	input := []byte(sb.String())

	trRef, cRef := newTestTransformer(t, Identity)
	feed(t, trRef, input)
	want := cRef.String()

	for round := 0; round < 50; round++ {
		tr, c := newTestTransformer(t, Identity)
		var chunks [][]byte
		for rest := input; len(rest) > 0; {
			n := 1 + rng.Intn(64)
			if n > len(rest) {
				n = len(rest)
			}
			chunks = append(chunks, rest[:n])
			rest = rest[n:]
		}
		feed(t, tr, chunks...)
		if got := c.String(); got != want {
			t.Fatalf("round %d: output differs from single-chunk output", round)
		}
	}
}

func TestTransform_LineCountPreservation(t *testing.T) {
	inputs := []string{"", "a", "a\n", "a\nb", "\n", "\n\nx", "x\ny\nz\n"}

	for _, input := range inputs {
		rec := &recorder{}
		tr, _ := newTestTransformer(t, rec)
		feed(t, tr, []byte(input))

		want := strings.Count(input, "\n")
		if input != "" && !strings.HasSuffix(input, "\n") {
			want++
		}
		if len(rec.calls) != want {
			t.Errorf("input %q: expected %d calls, got %d", input, want, len(rec.calls))
		}
		if tr.Lines() != uint64(want) {
			t.Errorf("input %q: expected Lines()=%d, got %d", input, want, tr.Lines())
		}
	}
}

func TestTransform_Encodings(t *testing.T) {
	tests := []struct {
		name     string
		encoding string
		input    []byte
		want     string
	}{
		{
			name:     "latin1",
			encoding: "latin1",
			input:    []byte{'c', 'a', 'f', 0xE9, '\n'},
			want:     "café\n",
		},
		{
			name:     "utf16le",
			encoding: "utf16le",
			input:    []byte{'a', 0, 'b', 0, '\n', 0, 'c', 0, 'd', 0},
			want:     "ab\ncd\n",
		},
		{
			name:     "whatwg label",
			encoding: "windows-1252",
			input:    []byte{0x80, '\n'},
			want:     "€\n",
		},
		{
			name:     "invalid utf8 replaced",
			encoding: "UTF-8",
			input:    []byte{'o', 'k', 0xFF, '\n'},
			want:     "ok�\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, c := newTestTransformer(t, Identity, WithStringEncoding(tt.encoding))
			// One byte at a time exercises multi-byte reassembly.
			chunks := make([][]byte, len(tt.input))
			for i := range tt.input {
				chunks[i] = tt.input[i : i+1]
			}
			feed(t, tr, chunks...)
			if got := c.String(); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestTransform_UseAfterEnd(t *testing.T) {
	tr, _ := newTestTransformer(t, Identity)
	ctx := context.Background()

	if err := tr.End(ctx); err != nil {
		t.Fatalf("end: %v", err)
	}
	if err := tr.Write(ctx, []byte("x\n")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed on write, got %v", err)
	}
	if err := tr.End(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed on end, got %v", err)
	}
}

func TestTransform_FailureAtEnd(t *testing.T) {
	tr, c := newTestTransformer(t, &recorder{fn: failOnBad})
	ctx := context.Background()

	if err := tr.Write(ctx, []byte("ok\nbad")); err != nil {
		t.Fatalf("write: %v", err)
	}
	err := tr.End(ctx)
	var cbErr *CallbackError
	if !errors.As(err, &cbErr) || cbErr.Line != 2 {
		t.Fatalf("expected callback error at line 2, got %v", err)
	}
	if c.Ended() {
		t.Error("expected downstream not to be ended after failure")
	}
	if got := c.String(); got != "ok\n" {
		t.Errorf("expected %q, got %q", "ok\n", got)
	}
}

func TestTransform_PanicBecomesCallbackError(t *testing.T) {
	tr, _ := newTestTransformer(t, LineFunc(func(context.Context, string) (string, error) {
		panic("boom")
	}))

	err := tr.Write(context.Background(), []byte("x\n"))
	if !errors.Is(err, ErrTransformCallback) {
		t.Fatalf("expected ErrTransformCallback, got %v", err)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("expected panic value in error, got %q", err.Error())
	}
}

func TestTransform_Chaining(t *testing.T) {
	c := &Collector{}
	upper, err := New(LineFunc(func(_ context.Context, line string) (string, error) {
		return strings.ToUpper(line), nil
	}), c)
	if err != nil {
		t.Fatalf("New upper: %v", err)
	}
	prefix, err := New(LineFunc(func(_ context.Context, line string) (string, error) {
		return "> " + line, nil
	}), upper)
	if err != nil {
		t.Fatalf("New prefix: %v", err)
	}

	feed(t, prefix, []byte("a\nb"))

	if got := c.String(); got != "> A\n> B\n" {
		t.Errorf("expected %q, got %q", "> A\n> B\n", got)
	}
	if !c.Ended() {
		t.Error("expected end to propagate through the chain")
	}
}

func TestTransform_FailForwarded(t *testing.T) {
	tr, c := newTestTransformer(t, Identity)
	upstream := errors.New("upstream broke")
	tr.Fail(context.Background(), upstream)

	if errs := c.Errors(); len(errs) != 1 || errs[0] != upstream {
		t.Errorf("expected upstream error forwarded, got %v", errs)
	}
}

func TestWriter_IOCopy(t *testing.T) {
	input := "first\nsecond\nthird"
	var out bytes.Buffer

	tr, err := New(Identity, WriterStage(&out))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w := NewWriter(context.Background(), tr)
	if _, err := io.Copy(w, iotest.OneByteReader(strings.NewReader(input))); err != nil {
		t.Fatalf("copy: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := out.String(); got != "first\nsecond\nthird\n" {
		t.Errorf("expected %q, got %q", "first\nsecond\nthird\n", got)
	}
}

func TestWriter_ReturnsCallbackError(t *testing.T) {
	tr, _ := newTestTransformer(t, &recorder{fn: failOnBad})
	w := NewWriter(context.Background(), tr)

	n, err := w.Write([]byte("bad\n"))
	if !errors.Is(err, ErrTransformCallback) {
		t.Fatalf("expected ErrTransformCallback, got %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 bytes written, got %d", n)
	}
}

func TestCollector(t *testing.T) {
	ctx := context.Background()
	c := &Collector{}
	chunk := []byte("a\n")
	if err := c.Write(ctx, chunk); err != nil {
		t.Fatal(err)
	}
	chunk[0] = 'z'
	c.Fail(ctx, io.ErrUnexpectedEOF)

	if err := c.End(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.End(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed on second End, got %v", err)
	}
	if err := c.Write(ctx, []byte("b\n")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after End, got %v", err)
	}
	if c.String() != "a\n" || len(c.Chunks()) != 1 || !c.Ended() {
		t.Errorf("expected one copied chunk and ended, got %q %v", c.String(), c.Ended())
	}
	if errs := c.Errors(); len(errs) != 1 || errs[0] != io.ErrUnexpectedEOF {
		t.Errorf("expected recorded failure, got %v", errs)
	}
}
