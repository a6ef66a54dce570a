package fishaudio

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/xsploit/webwaifu3/core"
)

func TestClientSynthesizeReturnsBlob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer k" {
			t.Errorf("Authorization = %q, want Bearer k", got)
		}
		w.Write([]byte("mp3-bytes"))
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "k", HTTPBaseURL: srv.URL}, srv.Client(), core.NewDevelopmentLogger())
	res, err := c.Synthesize(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Synthesize() = %v, want nil", err)
	}
	if res.Format != core.MP3 {
		t.Fatalf("Format = %v, want MP3", res.Format)
	}
	if string(res.Audio) != "mp3-bytes" {
		t.Fatalf("Audio = %q, want mp3-bytes", res.Audio)
	}
	if res.Text != "hello" {
		t.Fatalf("Text = %q, want hello", res.Text)
	}
}

func TestClientRetriesExactlyOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "k", HTTPBaseURL: srv.URL}, srv.Client(), core.NewDevelopmentLogger())
	if _, err := c.Synthesize(context.Background(), "hi"); err != nil {
		t.Fatalf("Synthesize() = %v, want success on retry", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("requests = %d, want 2", got)
	}
}

func TestClientGivesUpAfterSecondFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "k", HTTPBaseURL: srv.URL}, srv.Client(), core.NewDevelopmentLogger())
	_, err := c.Synthesize(context.Background(), "hi")
	var te *core.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("Synthesize() = %v, want TransportError", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("requests = %d, want exactly 2", got)
	}
}

func TestClientRequiresCredential(t *testing.T) {
	c := NewClient(Config{}, nil, core.NewDevelopmentLogger())
	_, err := c.Synthesize(context.Background(), "hi")
	var ce *core.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("Synthesize() = %v, want ConfigError", err)
	}
}
