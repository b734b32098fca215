package config

import (
	"log"
	"os"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress string

	// Store
	StoreDriver string // memory | redis | sqlite
	RedisAddr   string
	SQLitePath  string

	// Scheduler
	SupabaseURL string
	SupabaseKey string

	// LLM (tutor + judge)
	CerebrasKey     string
	CerebrasModelID string

	// Voice
	AssemblyAIKey   string
	DeepgramKey     string
	ElevenLabsKey   string
	ElevenLabsVoice string
	TTSProvider     string // deepgram | elevenlabs
	TTSEnabled      bool
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	err := godotenv.Load()
	if err != nil {
		log.Println("Error loading .env file")
	}

	addr := os.Getenv("HTTP_ADDRESS")
	if addr == "" {
		addr = ":8080"
	}

	driver := os.Getenv("STORE_DRIVER")
	if driver == "" {
		driver = "memory"
	}
	redisAddr := os.Getenv("REDIS_ADDR")
	if driver == "redis" && redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	sqlitePath := os.Getenv("SQLITE_PATH")
	if driver == "sqlite" && sqlitePath == "" {
		sqlitePath = "viva.db"
	}

	supabaseURL := os.Getenv("SUPABASE_URL")
	supabaseKey := os.Getenv("SUPABASE_SERVICE_ROLE_KEY")
	if supabaseURL == "" || supabaseKey == "" {
		log.Println("Warning: SUPABASE_URL / SUPABASE_SERVICE_ROLE_KEY not set - using static scheduler")
	}

	cerebrasKey := os.Getenv("CEREBRAS_API_KEY")
	cerebrasModel := os.Getenv("CEREBRAS_MODEL_ID")
	if cerebrasModel == "" {
		cerebrasModel = "gpt-oss-120b"
	}
	if cerebrasKey == "" {
		log.Println("Warning: CEREBRAS_API_KEY not set - tutor and judge will not work")
	}

	assemblyAIKey := os.Getenv("ASSEMBLYAI_API_KEY")
	if assemblyAIKey == "" {
		log.Println("Warning: ASSEMBLYAI_API_KEY not set - voice capture will not work")
	}

	deepgramKey := os.Getenv("DEEPGRAM_API_KEY")
	elevenKey := os.Getenv("ELEVENLABS_API_KEY")
	elevenVoice := os.Getenv("ELEVENLABS_VOICE_ID")
	ttsProvider := os.Getenv("TTS_PROVIDER")
	if ttsProvider == "" {
		ttsProvider = "deepgram"
	}
	ttsEnabled := os.Getenv("TTS_ENABLED") == "true"
	if ttsEnabled {
		switch {
		case ttsProvider == "deepgram" && deepgramKey == "":
			log.Println("Warning: TTS_ENABLED but DEEPGRAM_API_KEY not set - tutor audio disabled")
			ttsEnabled = false
		case ttsProvider == "elevenlabs" && elevenKey == "":
			log.Println("Warning: TTS_ENABLED but ELEVENLABS_API_KEY not set - tutor audio disabled")
			ttsEnabled = false
		}
	}

	log.Printf("config: HTTP_ADDRESS=%s STORE_DRIVER=%s", addr, driver)
	return Config{
		HTTPAddress:     addr,
		StoreDriver:     driver,
		RedisAddr:       redisAddr,
		SQLitePath:      sqlitePath,
		SupabaseURL:     supabaseURL,
		SupabaseKey:     supabaseKey,
		CerebrasKey:     cerebrasKey,
		CerebrasModelID: cerebrasModel,
		AssemblyAIKey:   assemblyAIKey,
		DeepgramKey:     deepgramKey,
		ElevenLabsKey:   elevenKey,
		ElevenLabsVoice: elevenVoice,
		TTSProvider:     ttsProvider,
		TTSEnabled:      ttsEnabled,
	}
}
