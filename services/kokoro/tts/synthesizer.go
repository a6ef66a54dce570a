package kokoro

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
)

// Synthesizer is the neural synthesis backend behind the worker. Init loads
// the model; Synthesize returns mono 16-bit samples and their rate.
type Synthesizer interface {
	Init(ctx context.Context, opts InitOptions, progress func(status string, fraction float64)) error
	Synthesize(ctx context.Context, text, voice string, speed float64) ([]int16, int, error)
	Close() error
}

// ExecSynthesizer drives a model-runner subprocess over newline-delimited
// JSON on stdin/stdout. One request is in flight at a time; the worker
// already serializes calls, the mutex only guards Close racing a call.
type ExecSynthesizer struct {
	command string
	args    []string

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Scanner
}

type execRequest struct {
	Op     string  `json:"op"`
	Dtype  string  `json:"dtype,omitempty"`
	Device string  `json:"device,omitempty"`
	Text   string  `json:"text,omitempty"`
	Voice  string  `json:"voice,omitempty"`
	Speed  float64 `json:"speed,omitempty"`
}

type execResponse struct {
	OK         bool    `json:"ok"`
	Event      string  `json:"event"`
	Status     string  `json:"status"`
	Progress   float64 `json:"progress"`
	AudioB64   string  `json:"audio_b64"`
	SampleRate int     `json:"sample_rate"`
	Error      string  `json:"error"`
}

func NewExecSynthesizer(command string, args ...string) *ExecSynthesizer {
	return &ExecSynthesizer{command: command, args: args}
}

func (s *ExecSynthesizer) Init(ctx context.Context, opts InitOptions, progress func(string, float64)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd == nil {
		cmd := exec.Command(s.command, s.args...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("synth runner stdin: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return fmt.Errorf("synth runner stdout: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("start synth runner %q: %w", s.command, err)
		}
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 32*1024*1024)
		s.cmd, s.stdin, s.stdout = cmd, stdin, scanner
	}

	if err := s.send(execRequest{Op: "init", Dtype: opts.Dtype, Device: opts.Device}); err != nil {
		return err
	}
	for {
		resp, err := s.recv(ctx)
		if err != nil {
			return err
		}
		if !resp.OK {
			return fmt.Errorf("model init: %s", resp.Error)
		}
		switch resp.Event {
		case "progress":
			if progress != nil {
				progress(resp.Status, resp.Progress)
			}
		case "done":
			return nil
		default:
			return fmt.Errorf("model init: unexpected event %q", resp.Event)
		}
	}
}

func (s *ExecSynthesizer) Synthesize(ctx context.Context, text, voice string, speed float64) ([]int16, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		return nil, 0, fmt.Errorf("synthesizer not initialized")
	}
	if err := s.send(execRequest{Op: "synthesize", Text: text, Voice: voice, Speed: speed}); err != nil {
		return nil, 0, err
	}
	resp, err := s.recv(ctx)
	if err != nil {
		return nil, 0, err
	}
	if !resp.OK {
		return nil, 0, fmt.Errorf("synthesize: %s", resp.Error)
	}
	if resp.Event != "audio" {
		return nil, 0, fmt.Errorf("synthesize: unexpected event %q", resp.Event)
	}
	raw, err := base64.StdEncoding.DecodeString(resp.AudioB64)
	if err != nil {
		return nil, 0, fmt.Errorf("synthesize: decode audio: %w", err)
	}
	samples := make([]int16, len(raw)/2)
	for i := range samples {
		samples[i] = int16(uint16(raw[2*i]) | uint16(raw[2*i+1])<<8)
	}
	rate := resp.SampleRate
	if rate <= 0 {
		return nil, 0, fmt.Errorf("synthesize: runner omitted sample rate")
	}
	return samples, rate, nil
}

func (s *ExecSynthesizer) send(req execRequest) error {
	line, err := sonic.Marshal(req)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	if _, err := s.stdin.Write(line); err != nil {
		return fmt.Errorf("write to synth runner: %w", err)
	}
	return nil
}

func (s *ExecSynthesizer) recv(ctx context.Context) (*execResponse, error) {
	type scanned struct {
		line string
		err  error
	}
	ch := make(chan scanned, 1)
	go func() {
		if s.stdout.Scan() {
			ch <- scanned{line: s.stdout.Text()}
			return
		}
		err := s.stdout.Err()
		if err == nil {
			err = io.EOF
		}
		ch <- scanned{err: fmt.Errorf("read from synth runner: %w", err)}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case got := <-ch:
		if got.err != nil {
			return nil, got.err
		}
		var resp execResponse
		if err := sonic.UnmarshalString(got.line, &resp); err != nil {
			return nil, fmt.Errorf("malformed runner response: %w", err)
		}
		return &resp, nil
	}
}

func (s *ExecSynthesizer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		return nil
	}
	s.stdin.Close()
	err := s.cmd.Wait()
	s.cmd = nil
	return err
}

// MockSynthesizer fabricates short silent clips for tests. An optional
// per-text delay makes latency reordering reproducible, and FailOn marks
// texts whose synthesis should error.
type MockSynthesizer struct {
	SampleRate int
	Delay      func(text string) // called before returning, if set
	FailOn     map[string]bool

	mu    sync.Mutex
	calls []string
}

func (m *MockSynthesizer) Init(ctx context.Context, opts InitOptions, progress func(string, float64)) error {
	if progress != nil {
		progress("loading", 0.5)
	}
	return nil
}

func (m *MockSynthesizer) Synthesize(ctx context.Context, text, voice string, speed float64) ([]int16, int, error) {
	if m.Delay != nil {
		m.Delay(text)
	}
	m.mu.Lock()
	m.calls = append(m.calls, text)
	fail := m.FailOn[text]
	m.mu.Unlock()
	if fail {
		return nil, 0, fmt.Errorf("mock synthesis failure for %q", text)
	}
	rate := m.SampleRate
	if rate == 0 {
		rate = 24000
	}
	// 10ms of silence per word keeps clips proportional to the input.
	n := rate / 100 * (1 + strings.Count(text, " "))
	return make([]int16, n), rate, nil
}

func (m *MockSynthesizer) Close() error { return nil }

func (m *MockSynthesizer) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}
