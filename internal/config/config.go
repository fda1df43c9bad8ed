package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
	TraceExporter string `yaml:"trace_exporter"` // none, stdout, otlp
	OTLPEndpoint  string `yaml:"otlp_endpoint"`
	OTLPInsecure  bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type Config struct {
	RuntimeName  string             `yaml:"runtime_name"`
	Environment  string             `yaml:"environment"`
	HTTP         HTTPConfig         `yaml:"http"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Bus          BusConfig          `yaml:"bus"`
	Node         NodeConfig         `yaml:"node"`
	EventStore   EventStoreConfig   `yaml:"event_store"`
	Skills       SkillsConfig       `yaml:"skills"`
	Audio        AudioConfig        `yaml:"audio"`
	Capture      CaptureConfig      `yaml:"capture"`
	Wake         WakeConfig         `yaml:"wake"`
	STT          STTConfig          `yaml:"stt"`
	LLM          LLMConfig          `yaml:"llm"`
	Cache        CacheConfig        `yaml:"cache"`
	TTS          TTSConfig          `yaml:"tts"`
	Router       RouterConfig       `yaml:"router"`
	Actions      ActionsConfig      `yaml:"actions"`
	Workers      WorkersConfig      `yaml:"workers"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	SubjectPrefix  string   `yaml:"subject_prefix"`
}

// NodeConfig identifies this voice node to peers on the bus. An empty ID
// falls back to the hostname.
type NodeConfig struct {
	ID                  string `yaml:"id"`
	HeartbeatIntervalMS int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
	PruneSchedule string `yaml:"prune_schedule"`
}

type SkillsConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Directory    string `yaml:"directory"`
	TimeoutMS    int    `yaml:"timeout_ms"`
	AuditPrivacy string `yaml:"audit_privacy_scope"`
}

type AudioConfig struct {
	SampleRate  int `yaml:"sample_rate"`
	FrameSize   int `yaml:"frame_size"`
	Channels    int `yaml:"channels"`
	DeviceIndex int `yaml:"device_index"` // -1 probes the default device, then every input device
}

type CaptureConfig struct {
	DurationSeconds float64 `yaml:"duration_seconds"`
	OpenAttempts    int     `yaml:"open_attempts"`
	MinLevel        float64 `yaml:"min_level"`
	ArtifactPath    string  `yaml:"artifact_path"`
	SkipSilent      bool    `yaml:"skip_silent"`
}

type WakeConfig struct {
	Mode            string `yaml:"mode"` // vosk, mock
	Endpoint        string `yaml:"endpoint"`
	Phrase          string `yaml:"phrase"`
	CooldownMS      int    `yaml:"cooldown_ms"`
	ReadTimeoutMS   int    `yaml:"read_timeout_ms"`
	Acknowledgement string `yaml:"acknowledgement"`
	ChimePath       string `yaml:"chime_path"`
}

type STTConfig struct {
	Mode      string `yaml:"mode"` // whisper, exec, mock
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
	Language  string `yaml:"language"`
	Threads   int    `yaml:"threads"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type LLMConfig struct {
	Mode        string  `yaml:"mode"` // mock, openai, ollama, exec
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	Proxy       string  `yaml:"proxy"`
	System      string  `yaml:"system_prompt"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	TimeoutMS   int     `yaml:"timeout_ms"`
}

type CacheConfig struct {
	Capacity int `yaml:"capacity"`
}

type TTSConfig struct {
	Mode       string `yaml:"mode"` // mock, log, command, exec
	Command    string `yaml:"command"`
	Voice      string `yaml:"voice"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	TimeoutMS  int    `yaml:"timeout_ms"`
}

// CommandConfig binds a trigger key to an action handler.
type CommandConfig struct {
	Key     string            `yaml:"key"`
	Action  string            `yaml:"action"`
	Apology string            `yaml:"apology,omitempty"`
	Args    map[string]string `yaml:"args,omitempty"`
}

// AliasConfig maps an alternate phrase onto a registered key.
type AliasConfig struct {
	Alias  string `yaml:"alias"`
	Target string `yaml:"target"`
}

type RouterConfig struct {
	StopPhrases   []string        `yaml:"stop_phrases"`
	StopReply     string          `yaml:"stop_reply"`
	ThanksPhrases []string        `yaml:"thanks_phrases"`
	ThanksReply   string          `yaml:"thanks_reply"`
	Commands      []CommandConfig `yaml:"commands"`
	Aliases       []AliasConfig   `yaml:"aliases"`
}

type ActionsConfig struct {
	MediaDir        string `yaml:"media_dir"`
	MemoDir         string `yaml:"memo_dir"`
	MemoMaxSeconds  int    `yaml:"memo_max_seconds"`
	BrowserCommand  string `yaml:"browser_command"`
	SearchURL       string `yaml:"search_url"`
	WeatherEndpoint string `yaml:"weather_endpoint"`
	WeatherAPIKey   string `yaml:"weather_api_key"`
	WeatherUnits    string `yaml:"weather_units"`
	DefaultCity     string `yaml:"default_city"`
}

type WorkersConfig struct {
	Max int `yaml:"max"`
}

type OrchestratorConfig struct {
	IdleMS       int `yaml:"idle_ms"`
	ErrorPauseMS int `yaml:"error_pause_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-voice",
		Environment: "development",
		HTTP: HTTPConfig{
			Enabled: true,
			Bind:    "127.0.0.1",
			Port:    8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:      "info",
			LogFormat:     "text",
			TraceExporter: "none",
			OTLPInsecure:  true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "loqa.voice",
		},
		Node: NodeConfig{
			HeartbeatIntervalMS: 5000,
			HeartbeatTimeoutMS:  15000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-voice.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
			PruneSchedule: "@hourly",
		},
		Skills: SkillsConfig{
			Enabled:      false,
			Directory:    "./skills",
			TimeoutMS:    30000,
			AuditPrivacy: "internal",
		},
		Audio: AudioConfig{
			SampleRate:  16000,
			FrameSize:   1024,
			Channels:    1,
			DeviceIndex: -1,
		},
		Capture: CaptureConfig{
			DurationSeconds: 5,
			OpenAttempts:    3,
			MinLevel:        0.01,
			ArtifactPath:    "audio/recording.wav",
		},
		Wake: WakeConfig{
			Mode:            "vosk",
			Endpoint:        "ws://localhost:2700",
			Phrase:          "jarvis",
			CooldownMS:      1000,
			ReadTimeoutMS:   3000,
			Acknowledgement: "Yes, I'm listening",
		},
		STT: STTConfig{
			Mode:      "whisper",
			ModelPath: "models/ggml-base.en.bin",
			Language:  "en",
			TimeoutMS: 45000,
		},
		LLM: LLMConfig{
			Mode:        "mock",
			System:      "You are Jarvis, a concise voice assistant. Answer in one or two short sentences.",
			MaxTokens:   256,
			Temperature: 0.7,
			TimeoutMS:   60000,
		},
		Cache: CacheConfig{
			Capacity: 1000,
		},
		TTS: TTSConfig{
			Mode:       "log",
			SampleRate: 22050,
			Channels:   1,
			TimeoutMS:  30000,
		},
		Router: RouterConfig{
			StopPhrases:   []string{"stop listening"},
			StopReply:     "Stopping listening.",
			ThanksPhrases: []string{"thank you", "thanks"},
			ThanksReply:   "You're welcome!",
			Commands: []CommandConfig{
				{Key: "open", Action: "open"},
				{Key: "play", Action: "play"},
				{Key: "start recording", Action: "memo_start"},
				{Key: "stop recording", Action: "memo_stop"},
				{Key: "search for", Action: "search"},
				{Key: "what time", Action: "time"},
				{Key: "weather", Action: "weather"},
			},
			Aliases: []AliasConfig{
				{Alias: "launch", Target: "open"},
				{Alias: "run", Target: "open"},
				{Alias: "start", Target: "play"},
				{Alias: "record screen", Target: "start recording"},
				{Alias: "end recording", Target: "stop recording"},
				{Alias: "look up", Target: "search for"},
				{Alias: "find", Target: "search for"},
			},
		},
		Actions: ActionsConfig{
			MediaDir:        "media",
			MemoDir:         "data/voice_memos",
			MemoMaxSeconds:  300,
			BrowserCommand:  "xdg-open",
			SearchURL:       "https://www.google.com/search?q=%s",
			WeatherEndpoint: "https://api.openweathermap.org/data/2.5/weather",
			WeatherUnits:    "metric",
		},
		Workers: WorkersConfig{
			Max: 3,
		},
		Orchestrator: OrchestratorConfig{
			IdleMS:       100,
			ErrorPauseMS: 500,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideBool(&cfg.HTTP.Enabled, "LOQA_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "LOQA_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.TraceExporter, "LOQA_TELEMETRY_TRACE_EXPORTER")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "LOQA_BUS_SUBJECT_PREFIX")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.EventStore.PruneSchedule, "LOQA_EVENT_STORE_PRUNE_SCHEDULE")
	overrideBool(&cfg.Skills.Enabled, "LOQA_SKILLS_ENABLED")
	overrideString(&cfg.Skills.Directory, "LOQA_SKILLS_DIRECTORY")
	overrideInt(&cfg.Audio.SampleRate, "LOQA_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.FrameSize, "LOQA_AUDIO_FRAME_SIZE")
	overrideInt(&cfg.Audio.DeviceIndex, "LOQA_AUDIO_DEVICE_INDEX")
	overrideFloat(&cfg.Capture.DurationSeconds, "LOQA_CAPTURE_DURATION_SECONDS")
	overrideInt(&cfg.Capture.OpenAttempts, "LOQA_CAPTURE_OPEN_ATTEMPTS")
	overrideFloat(&cfg.Capture.MinLevel, "LOQA_CAPTURE_MIN_LEVEL")
	overrideString(&cfg.Capture.ArtifactPath, "LOQA_CAPTURE_ARTIFACT_PATH")
	overrideBool(&cfg.Capture.SkipSilent, "LOQA_CAPTURE_SKIP_SILENT")
	overrideString(&cfg.Wake.Mode, "LOQA_WAKE_MODE")
	overrideString(&cfg.Wake.Endpoint, "LOQA_WAKE_ENDPOINT")
	overrideString(&cfg.Wake.Phrase, "LOQA_WAKE_PHRASE")
	overrideInt(&cfg.Wake.CooldownMS, "LOQA_WAKE_COOLDOWN_MS")
	overrideInt(&cfg.Wake.ReadTimeoutMS, "LOQA_WAKE_READ_TIMEOUT_MS")
	overrideString(&cfg.Wake.ChimePath, "LOQA_WAKE_CHIME_PATH")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideInt(&cfg.STT.Threads, "LOQA_STT_THREADS")
	overrideString(&cfg.LLM.Mode, "LOQA_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "LOQA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "LOQA_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "LOQA_LLM_MODEL")
	overrideString(&cfg.LLM.APIKey, "OPENAI_API_KEY")
	overrideString(&cfg.LLM.APIKey, "LOQA_LLM_API_KEY")
	overrideString(&cfg.LLM.Proxy, "LOQA_LLM_PROXY")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
	overrideInt(&cfg.Cache.Capacity, "LOQA_CACHE_CAPACITY")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "LOQA_TTS_VOICE")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideString(&cfg.Actions.MediaDir, "LOQA_ACTIONS_MEDIA_DIR")
	overrideString(&cfg.Actions.MemoDir, "LOQA_ACTIONS_MEMO_DIR")
	overrideString(&cfg.Actions.BrowserCommand, "LOQA_ACTIONS_BROWSER_COMMAND")
	overrideString(&cfg.Actions.WeatherAPIKey, "OPENWEATHER_API_KEY")
	overrideString(&cfg.Actions.DefaultCity, "LOQA_ACTIONS_DEFAULT_CITY")
	overrideInt(&cfg.Workers.Max, "LOQA_WORKERS_MAX")
	overrideInt(&cfg.Orchestrator.IdleMS, "LOQA_ORCHESTRATOR_IDLE_MS")
	overrideInt(&cfg.Orchestrator.ErrorPauseMS, "LOQA_ORCHESTRATOR_ERROR_PAUSE_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch cfg.Telemetry.LogFormat {
	case "text", "json":
	default:
		return errors.New("telemetry.log_format must be one of text|json")
	}
	switch cfg.Telemetry.TraceExporter {
	case "none", "stdout":
	case "otlp":
		if strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
			return errors.New("telemetry.otlp_endpoint must be set when trace_exporter=otlp")
		}
	default:
		return errors.New("telemetry.trace_exporter must be one of none|stdout|otlp")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.SubjectPrefix == "" {
			return errors.New("bus.subject_prefix must not be empty")
		}
		if cfg.Node.HeartbeatIntervalMS <= 0 || cfg.Node.HeartbeatTimeoutMS < cfg.Node.HeartbeatIntervalMS {
			return errors.New("node.heartbeat_timeout_ms must be >= node.heartbeat_interval_ms > 0")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Skills.Enabled && cfg.Skills.Directory == "" {
		return errors.New("skills.directory must not be empty when skills are enabled")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.FrameSize <= 0 {
		return errors.New("audio.frame_size must be positive")
	}
	if cfg.Audio.Channels != 1 {
		return errors.New("audio.channels must be 1")
	}
	if cfg.Capture.DurationSeconds <= 0 {
		return errors.New("capture.duration_seconds must be positive")
	}
	if cfg.Capture.OpenAttempts <= 0 {
		return errors.New("capture.open_attempts must be >= 1")
	}
	if cfg.Capture.MinLevel < 0 || cfg.Capture.MinLevel > 1 {
		return errors.New("capture.min_level must be between 0 and 1")
	}
	if cfg.Capture.ArtifactPath == "" {
		return errors.New("capture.artifact_path must not be empty")
	}
	switch cfg.Wake.Mode {
	case "mock":
	case "vosk":
		if cfg.Wake.Endpoint == "" {
			return errors.New("wake.endpoint must be set when mode=vosk")
		}
	default:
		return errors.New("wake.mode must be one of vosk|mock")
	}
	if strings.TrimSpace(cfg.Wake.Phrase) == "" {
		return errors.New("wake.phrase must not be empty")
	}
	if cfg.Wake.CooldownMS < 0 {
		return errors.New("wake.cooldown_ms must be >= 0")
	}
	switch cfg.STT.Mode {
	case "mock":
	case "whisper":
		if cfg.STT.ModelPath == "" {
			return errors.New("stt.model_path must be set when mode=whisper")
		}
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	default:
		return errors.New("stt.mode must be one of whisper|exec|mock")
	}
	switch cfg.LLM.Mode {
	case "mock":
	case "openai":
		if cfg.LLM.APIKey == "" {
			return errors.New("llm.api_key (or OPENAI_API_KEY) must be set when mode=openai")
		}
	case "ollama":
	case "exec":
		if cfg.LLM.Command == "" {
			return errors.New("llm.command must be set when mode=exec")
		}
	default:
		return errors.New("llm.mode must be one of mock|openai|ollama|exec")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	if cfg.Cache.Capacity <= 0 {
		return errors.New("cache.capacity must be >= 1")
	}
	switch cfg.TTS.Mode {
	case "mock", "log":
	case "command", "exec":
		if cfg.TTS.Command == "" {
			return fmt.Errorf("tts.command must be set when mode=%s", cfg.TTS.Mode)
		}
		if cfg.TTS.SampleRate <= 0 {
			return errors.New("tts.sample_rate must be positive")
		}
	default:
		return errors.New("tts.mode must be one of mock|log|command|exec")
	}
	if len(cfg.Router.StopPhrases) == 0 {
		return errors.New("router.stop_phrases must not be empty")
	}
	seen := make(map[string]struct{}, len(cfg.Router.Commands))
	for _, cmd := range cfg.Router.Commands {
		key := strings.ToLower(strings.TrimSpace(cmd.Key))
		if key == "" {
			return errors.New("router.commands entries must have a key")
		}
		if cmd.Action == "" {
			return fmt.Errorf("router command %q must name an action", cmd.Key)
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("router command %q registered twice", cmd.Key)
		}
		seen[key] = struct{}{}
	}
	for _, alias := range cfg.Router.Aliases {
		if strings.TrimSpace(alias.Alias) == "" || strings.TrimSpace(alias.Target) == "" {
			return errors.New("router.aliases entries must have alias and target")
		}
	}
	if cfg.Workers.Max <= 0 {
		return errors.New("workers.max must be >= 1")
	}
	if cfg.Orchestrator.IdleMS < 0 || cfg.Orchestrator.ErrorPauseMS < 0 {
		return errors.New("orchestrator intervals must be >= 0")
	}
	return nil
}

// Cooldown is the minimum spacing between two positive wake detections.
func (c WakeConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMS) * time.Millisecond
}

func (c CaptureConfig) Duration() time.Duration {
	return time.Duration(c.DurationSeconds * float64(time.Second))
}

func (c OrchestratorConfig) Idle() time.Duration {
	return time.Duration(c.IdleMS) * time.Millisecond
}

func (c OrchestratorConfig) ErrorPause() time.Duration {
	return time.Duration(c.ErrorPauseMS) * time.Millisecond
}

func millis(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

// ReadTimeout bounds one decoder round trip when the caller sets no deadline.
func (c WakeConfig) ReadTimeout() time.Duration { return millis(c.ReadTimeoutMS, 3*time.Second) }

func (c STTConfig) Timeout() time.Duration    { return millis(c.TimeoutMS, 45*time.Second) }
func (c LLMConfig) Timeout() time.Duration    { return millis(c.TimeoutMS, 60*time.Second) }
func (c TTSConfig) Timeout() time.Duration    { return millis(c.TimeoutMS, 30*time.Second) }
func (c SkillsConfig) Timeout() time.Duration { return millis(c.TimeoutMS, 30*time.Second) }
