package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/xsploit/webwaifu3/core"
	"github.com/xsploit/webwaifu3/tts"
)

func TestDefaultsSurviveEmptyJSON(t *testing.T) {
	cfg, err := SettingsFromJSON([]byte(`{}`))
	if err != nil {
		t.Fatalf("SettingsFromJSON({}) = %v, want nil", err)
	}
	if cfg.Provider != string(tts.ProviderKokoro) {
		t.Fatalf("Provider = %q, want kokoro default", cfg.Provider)
	}
	if cfg.Thresholds != tts.DefaultThresholds() {
		t.Fatalf("Thresholds = %+v, want defaults", cfg.Thresholds)
	}
}

func TestPartialFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	body := `{"provider":"fish","fish":{"voice_id":"v1","sample_rate":44100},"fish_format":"ulaw","thresholds":{"remote":40}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := SettingsFromFile(path)
	if err != nil {
		t.Fatalf("SettingsFromFile() = %v, want nil", err)
	}
	if cfg.Provider != string(tts.ProviderFish) {
		t.Fatalf("Provider = %q, want fish", cfg.Provider)
	}
	if cfg.Fish.VoiceID != "v1" || cfg.Fish.SampleRate != 44100 {
		t.Fatalf("Fish = %+v, want voice v1 at 44100", cfg.Fish)
	}
	if cfg.Fish.Format != core.ULAW {
		t.Fatalf("Fish.Format = %v, want ULAW", cfg.Fish.Format)
	}
	if cfg.Thresholds.Remote != 40 {
		t.Fatalf("Thresholds.Remote = %d, want 40", cfg.Thresholds.Remote)
	}
	// Untouched sections keep their defaults.
	if cfg.Kokoro.Voice != "af_heart" {
		t.Fatalf("Kokoro.Voice = %q, want default", cfg.Kokoro.Voice)
	}
}

func TestUnknownProviderRejected(t *testing.T) {
	if _, err := SettingsFromJSON([]byte(`{"provider":"espeak"}`)); err == nil {
		t.Fatal("SettingsFromJSON accepted unknown provider")
	}
}

func TestUnknownFormatRejected(t *testing.T) {
	if _, err := SettingsFromJSON([]byte(`{"fish_format":"opus"}`)); err == nil {
		t.Fatal("SettingsFromJSON accepted unknown fish_format")
	}
}

func TestLoadPrefersB64Env(t *testing.T) {
	body := `{"provider":"fish"}`
	t.Setenv("SETTINGS_JSON_B64", base64.StdEncoding.EncodeToString([]byte(body)))

	cfg, err := Load("does-not-exist.json")
	if err != nil {
		t.Fatalf("Load() = %v, want nil", err)
	}
	if cfg.Provider != string(tts.ProviderFish) {
		t.Fatalf("Provider = %q, want fish from env blob", cfg.Provider)
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	t.Setenv("SETTINGS_JSON_B64", "")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load() = %v, want nil for missing file", err)
	}
	if cfg.Provider != string(tts.ProviderKokoro) {
		t.Fatalf("Provider = %q, want default", cfg.Provider)
	}
}

func TestSecretsFillCredentialGaps(t *testing.T) {
	cfg := DefaultSettings()
	cfg.Provider = string(tts.ProviderFish)
	secrets := Secrets{FishAPIKey: "fk", OpenAIAPIKey: "ok", OpenAIBaseURL: "http://llm.local/v1"}

	mc := cfg.ManagerConfig(secrets)
	if mc.Fish.APIKey != "fk" {
		t.Fatalf("Fish.APIKey = %q, want secret applied", mc.Fish.APIKey)
	}

	lc := cfg.LLMConfig(secrets)
	if lc.APIKey != "ok" || lc.BaseURL != "http://llm.local/v1" {
		t.Fatalf("llm config = %+v, want secrets applied", lc)
	}

	// Inline values win over environment secrets.
	cfg.Fish.APIKey = "inline"
	if got := cfg.ManagerConfig(secrets).Fish.APIKey; got != "inline" {
		t.Fatalf("Fish.APIKey = %q, want inline value kept", got)
	}
}
