package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

type recordingSink struct {
	mu     sync.Mutex
	chunks []string
	finals int
}

func (s *recordingSink) EnqueueStreamChunk(text string, final bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if final {
		s.finals++
		return
	}
	s.chunks = append(s.chunks, text)
}

func sseChunk(content string) string {
	return fmt.Sprintf(`data: {"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":%q}}]}`+"\n\n", content)
}

func newStreamServer(t *testing.T, deltas []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range deltas {
			fmt.Fprint(w, sseChunk(d))
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func TestRunForwardsDeltasAndFinal(t *testing.T) {
	srv := newStreamServer(t, []string{"Hello", " there", "."})
	defer srv.Close()

	src := NewStreamSource(Config{APIKey: "test", BaseURL: srv.URL + "/v1"}, nil)
	sink := &recordingSink{}
	if err := src.Ask(context.Background(), "hi", sink); err != nil {
		t.Fatalf("Ask() = %v, want nil", err)
	}

	want := []string{"Hello", " there", "."}
	if len(sink.chunks) != len(want) {
		t.Fatalf("chunks = %v, want %v", sink.chunks, want)
	}
	for i := range want {
		if sink.chunks[i] != want[i] {
			t.Fatalf("chunk[%d] = %q, want %q", i, sink.chunks[i], want[i])
		}
	}
	if sink.finals != 1 {
		t.Fatalf("final flushes = %d, want 1", sink.finals)
	}
}

func TestRunSkipsEmptyDeltas(t *testing.T) {
	srv := newStreamServer(t, []string{"", "word", ""})
	defer srv.Close()

	src := NewStreamSource(Config{APIKey: "test", BaseURL: srv.URL + "/v1"}, nil)
	sink := &recordingSink{}
	if err := src.Ask(context.Background(), "hi", sink); err != nil {
		t.Fatalf("Ask() = %v, want nil", err)
	}
	if len(sink.chunks) != 1 || sink.chunks[0] != "word" {
		t.Fatalf("chunks = %v, want [word]", sink.chunks)
	}
}

func TestRunCanceledContextDoesNotFinalize(t *testing.T) {
	srv := newStreamServer(t, []string{"never"})
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := NewStreamSource(Config{APIKey: "test", BaseURL: srv.URL + "/v1"}, nil)
	sink := &recordingSink{}
	if err := src.Ask(ctx, "hi", sink); err == nil {
		t.Fatal("Ask() = nil with canceled context, want error")
	}
	if sink.finals != 0 {
		t.Fatalf("final flushes = %d after cancellation, want 0", sink.finals)
	}
}

func TestServerErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	src := NewStreamSource(Config{APIKey: "test", BaseURL: srv.URL + "/v1"}, nil)
	sink := &recordingSink{}
	if err := src.Ask(context.Background(), "hi", sink); err == nil {
		t.Fatal("Ask() = nil on server error, want error")
	}
	if sink.finals != 0 {
		t.Fatalf("final flushes = %d on failed stream, want 0", sink.finals)
	}
}
