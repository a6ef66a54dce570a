package config

import (
	"encoding/base64"
	"fmt"
	"os"

	"github.com/bytedance/sonic"
	"github.com/caarlos0/env/v11"

	"github.com/xsploit/webwaifu3/core"
	"github.com/xsploit/webwaifu3/llm"
	fishaudio "github.com/xsploit/webwaifu3/services/fishaudio/tts"
	kokoro "github.com/xsploit/webwaifu3/services/kokoro/tts"
	"github.com/xsploit/webwaifu3/tts"
)

// KokoroSettings configures the local synthesis worker.
type KokoroSettings struct {
	// Command launches the worker process; args follow the executable.
	Command []string           `json:"command"`
	Voice   string             `json:"voice"`
	Speed   float64            `json:"speed"`
	Init    kokoro.InitOptions `json:"init"`
}

// Settings is the top-level config loaded from settings.json. API keys never
// live here; they come from the environment via Secrets.
type Settings struct {
	// Provider selects the synthesis path: "kokoro" or "fish".
	Provider   string               `json:"provider"`
	Fish       fishaudio.Config     `json:"fish"`
	FishFormat string               `json:"fish_format"`
	Kokoro     KokoroSettings       `json:"kokoro"`
	LLM        llm.Config           `json:"llm"`
	Thresholds tts.BatchThresholds  `json:"thresholds"`
	// MetricsAddr, when set, serves Prometheus metrics on this address.
	MetricsAddr string `json:"metrics_addr"`
}

// Secrets are credentials read from the environment, never from settings.json.
type Secrets struct {
	FishAPIKey    string `env:"FISH_API_KEY"`
	OpenAIAPIKey  string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL string `env:"OPENAI_BASE_URL"`
}

// SecretsFromEnv reads credentials from the process environment.
func SecretsFromEnv() (Secrets, error) {
	return env.ParseAs[Secrets]()
}

// DefaultSettings returns a Settings pre-filled with provider defaults.
func DefaultSettings() Settings {
	return Settings{
		Provider: string(tts.ProviderKokoro),
		Kokoro: KokoroSettings{
			Command: []string{"kokoro-worker"},
			Voice:   "af_heart",
			Speed:   1.0,
			Init:    kokoro.InitOptions{Dtype: "q8", Device: "wasm"},
		},
		Thresholds: tts.DefaultThresholds(),
	}
}

// SettingsFromJSON parses a JSON blob into a Settings, layered over the
// defaults so partial files work.
func SettingsFromJSON(data []byte) (Settings, error) {
	cfg := DefaultSettings()
	if err := sonic.Unmarshal(data, &cfg); err != nil {
		return DefaultSettings(), fmt.Errorf("settings: %w", err)
	}
	if cfg.Provider != string(tts.ProviderKokoro) && cfg.Provider != string(tts.ProviderFish) {
		return DefaultSettings(), fmt.Errorf("settings: unknown provider %q", cfg.Provider)
	}
	switch cfg.FishFormat {
	case "", "pcm":
		cfg.Fish.Format = core.PCM
	case "ulaw":
		cfg.Fish.Format = core.ULAW
	default:
		return DefaultSettings(), fmt.Errorf("settings: unknown fish_format %q", cfg.FishFormat)
	}
	return cfg, nil
}

// SettingsFromFile reads and parses a Settings from a JSON file.
func SettingsFromFile(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultSettings(), fmt.Errorf("settings: read %q: %w", path, err)
	}
	return SettingsFromJSON(data)
}

// Load resolves Settings from SETTINGS_JSON_B64 when set, then the given
// file path, then defaults. A missing file is not an error.
func Load(path string) (Settings, error) {
	if b64 := os.Getenv("SETTINGS_JSON_B64"); b64 != "" {
		data, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return DefaultSettings(), fmt.Errorf("settings: decode SETTINGS_JSON_B64: %w", err)
		}
		return SettingsFromJSON(data)
	}
	if path == "" {
		return DefaultSettings(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultSettings(), nil
	}
	return SettingsFromFile(path)
}

// ManagerConfig assembles the TTS pipeline config from settings plus secrets.
func (s Settings) ManagerConfig(secrets Secrets) tts.ManagerConfig {
	fish := s.Fish
	if fish.APIKey == "" {
		fish.APIKey = secrets.FishAPIKey
	}
	return tts.ManagerConfig{
		Provider:    tts.Provider(s.Provider),
		Thresholds:  s.Thresholds,
		Fish:        fish,
		KokoroVoice: s.Kokoro.Voice,
		KokoroSpeed: s.Kokoro.Speed,
		Kokoro:      s.Kokoro.Init,
	}
}

// LLMConfig assembles the chat source config from settings plus secrets.
func (s Settings) LLMConfig(secrets Secrets) llm.Config {
	cfg := s.LLM
	if cfg.APIKey == "" {
		cfg.APIKey = secrets.OpenAIAPIKey
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = secrets.OpenAIBaseURL
	}
	return cfg
}
