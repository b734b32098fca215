package config

import (
	"os"
	"testing"
)

func TestLoad_DefaultsAndEnv(t *testing.T) {
	os.Setenv("HTTP_ADDRESS", "")
	os.Setenv("STORE_DRIVER", "")
	os.Setenv("CEREBRAS_MODEL_ID", "")
	cfg := Load()
	if cfg.HTTPAddress == "" {
		t.Fatalf("expected default http address")
	}
	if cfg.StoreDriver != "memory" {
		t.Fatalf("expected default store driver, got %q", cfg.StoreDriver)
	}
	if cfg.CerebrasModelID == "" {
		t.Fatalf("expected default cerebras model id")
	}
}

func TestLoad_DriverDefaults(t *testing.T) {
	os.Setenv("STORE_DRIVER", "sqlite")
	os.Setenv("SQLITE_PATH", "")
	cfg := Load()
	if cfg.SQLitePath == "" {
		t.Fatalf("expected default sqlite path")
	}

	os.Setenv("STORE_DRIVER", "redis")
	os.Setenv("REDIS_ADDR", "")
	cfg = Load()
	if cfg.RedisAddr == "" {
		t.Fatalf("expected default redis addr")
	}
	os.Setenv("STORE_DRIVER", "")
}

func TestLoad_TTSRequiresKey(t *testing.T) {
	os.Setenv("TTS_ENABLED", "true")
	os.Setenv("DEEPGRAM_API_KEY", "")
	cfg := Load()
	if cfg.TTSEnabled {
		t.Fatalf("tts should be disabled without a key")
	}
	os.Setenv("TTS_ENABLED", "")
}

func TestLoad_TTSProviderSelection(t *testing.T) {
	os.Setenv("TTS_ENABLED", "true")
	os.Setenv("TTS_PROVIDER", "elevenlabs")
	os.Setenv("ELEVENLABS_API_KEY", "el-key")
	cfg := Load()
	if !cfg.TTSEnabled || cfg.TTSProvider != "elevenlabs" {
		t.Fatalf("expected elevenlabs tts enabled, got %+v", cfg)
	}

	os.Setenv("ELEVENLABS_API_KEY", "")
	cfg = Load()
	if cfg.TTSEnabled {
		t.Fatalf("elevenlabs tts should be disabled without a key")
	}
	os.Setenv("TTS_ENABLED", "")
	os.Setenv("TTS_PROVIDER", "")
}
