package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xsploit/webwaifu3/config"
	"github.com/xsploit/webwaifu3/core"
	"github.com/xsploit/webwaifu3/lipsync"
	"github.com/xsploit/webwaifu3/llm"
	"github.com/xsploit/webwaifu3/observability"
	"github.com/xsploit/webwaifu3/playback"
	kokoro "github.com/xsploit/webwaifu3/services/kokoro/tts"
	"github.com/xsploit/webwaifu3/tts"
)

const deviceSampleRate = 24000

func main() {
	var settingsPath string
	var say string
	var showVisemes bool
	flag.StringVar(&settingsPath, "settings", "settings.json", "path to settings.json")
	flag.StringVar(&say, "say", "", "speak one utterance and exit instead of reading stdin")
	flag.BoolVar(&showVisemes, "visemes", false, "print live viseme weights while speaking")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := core.GetLogger()

	if err := godotenv.Load(".env.local"); err != nil {
		logger.With(map[string]any{"error": err}).Warn("No .env.local file found or failed to load")
	}

	settings, err := config.Load(settingsPath)
	if err != nil {
		logger.With(map[string]any{"error": err}).Error("failed to load settings")
		os.Exit(1)
	}
	secrets, err := config.SecretsFromEnv()
	if err != nil {
		logger.With(map[string]any{"error": err}).Error("failed to read environment")
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	if settings.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(settings.MetricsAddr, mux); err != nil {
				logger.With(map[string]any{"error": err}).Warn("metrics server stopped")
			}
		}()
	}

	sampleRate := deviceSampleRate
	if settings.Provider == string(tts.ProviderFish) && settings.Fish.SampleRate > 0 {
		sampleRate = settings.Fish.SampleRate
	}
	engine := playback.NewEngine(func() (playback.Device, error) {
		return playback.NewOtoDevice(sampleRate)
	}, nil, logger)

	deps := tts.ManagerDeps{
		Engine:  engine,
		Metrics: metrics,
		Logger:  logger,
		Events: &core.SpeechEvents{
			OnSpeechStarted:  func() { logger.Info("speech started") },
			OnSpeechFinished: func() { logger.Info("speech finished") },
			OnError: func(err error) {
				logger.With(map[string]any{"error": err}).Error("speech error")
			},
		},
	}
	if settings.Provider == string(tts.ProviderKokoro) {
		cmd := settings.Kokoro.Command
		if len(cmd) == 0 {
			logger.Error("kokoro provider selected but no worker command configured")
			os.Exit(1)
		}
		deps.Synthesizer = kokoro.NewExecSynthesizer(cmd[0], cmd[1:]...)
	}

	manager, err := tts.NewManager(settings.ManagerConfig(secrets), deps)
	if err != nil {
		logger.With(map[string]any{"error": err}).Error("failed to build speech pipeline")
		os.Exit(1)
	}
	defer manager.Destroy()

	initCtx, initCancel := context.WithTimeout(ctx, 60*time.Second)
	err = manager.Initialize(initCtx)
	initCancel()
	if err != nil {
		logger.With(map[string]any{"error": err}).Error("failed to initialize speech pipeline")
		os.Exit(1)
	}

	if showVisemes {
		go runVisemeMonitor(ctx, manager)
	}

	llmCfg := settings.LLMConfig(secrets)
	var chat *llm.StreamSource
	if llmCfg.APIKey != "" {
		chat = llm.NewStreamSource(llmCfg, logger)
	}

	if say != "" {
		speakOne(ctx, chat, manager, say)
		waitForIdle(ctx, manager)
		return
	}

	logger.Info("reading lines from stdin; Ctrl-D or Ctrl-C to exit")
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutting down...")
			return
		case line, ok := <-lines:
			if !ok {
				waitForIdle(ctx, manager)
				return
			}
			if line == "" {
				continue
			}
			manager.Stop()
			speakOne(ctx, chat, manager, line)
		}
	}
}

// speakOne routes a prompt through the LLM when one is configured, and
// speaks the raw text otherwise.
func speakOne(ctx context.Context, chat *llm.StreamSource, manager *tts.Manager, text string) {
	if chat == nil {
		manager.Speak(text)
		return
	}
	if err := chat.Ask(ctx, text, manager); err != nil && ctx.Err() == nil {
		core.GetLogger().With(map[string]any{"error": err}).Error("chat completion failed")
	}
}

func waitForIdle(ctx context.Context, manager *tts.Manager) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	idleSince := time.Time{}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if manager.IsPlaying() {
				idleSince = time.Time{}
				continue
			}
			if idleSince.IsZero() {
				idleSince = time.Now()
			} else if time.Since(idleSince) > time.Second {
				return
			}
		}
	}
}

// consoleAvatar renders viseme weights as a one-line mouth meter.
type consoleAvatar struct {
	last string
}

func (a *consoleAvatar) SetVisemes(w lipsync.Weights) {
	line := fmt.Sprintf("AA %-10s IH %-10s OU %-10s EE %-10s OH %-10s",
		bar(w.AA), bar(w.IH), bar(w.OU), bar(w.EE), bar(w.OH))
	if line == a.last {
		return
	}
	a.last = line
	fmt.Printf("\r%s", line)
}

func bar(v float64) string {
	n := int(v * 10)
	if n > 10 {
		n = 10
	}
	s := ""
	for i := 0; i < n; i++ {
		s += "#"
	}
	return s
}

// runVisemeMonitor drives the lip sync generator at roughly render rate.
func runVisemeMonitor(ctx context.Context, manager *tts.Manager) {
	gen := lipsync.NewGenerator()
	avatar := &consoleAvatar{}
	ticker := time.NewTicker(33 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			gen.Reset(avatar)
			return
		case <-ticker.C:
			gen.Update(avatar, manager)
		}
	}
}
