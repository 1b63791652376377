// Package config loads and validates the server configuration from a
// JSON or YAML file, with environment overrides for deployment tweaks.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"turncast/server/internal/proto"
)

// MaxBufferSize is the upper bound on the file sink hand-off threshold.
const MaxBufferSize = 100000

// ErrConfig wraps every validation and load failure.
var ErrConfig = errors.New("config: invalid configuration")

// OutputHandler configures the output pipeline sinks.
type OutputHandler struct {
	SendToUI     bool   `json:"sendToUI" yaml:"sendToUI" jsonschema:"description=Enable the periodic UI sink."`
	TimeInterval int    `json:"timeInterval" yaml:"timeInterval" jsonschema:"description=UI ticker period in milliseconds."`
	SendToFile   bool   `json:"sendToFile" yaml:"sendToFile" jsonschema:"description=Enable the batched file sink."`
	FilePath     string `json:"filePath" yaml:"filePath" jsonschema:"description=Append-only output file path."`
	BufferSize   int    `json:"bufferSize" yaml:"bufferSize" jsonschema:"description=File hand-off threshold in messages."`
}

// TurnTimeout configures the per-turn wall-clock budget, in
// milliseconds.
type TurnTimeout struct {
	ClientResponseTime int `json:"clientResponseTime" yaml:"clientResponseTime" jsonschema:"description=Receive window length in milliseconds."`
	SimulateTimeout    int `json:"simulateTimeout" yaml:"simulateTimeout" jsonschema:"description=Advisory simulate budget in milliseconds."`
	TurnTimeout        int `json:"turnTimeout" yaml:"turnTimeout" jsonschema:"description=Fixed turn cadence in milliseconds."`
}

// Endpoint configures one listening endpoint.
type Endpoint struct {
	Port  int    `json:"port" yaml:"port" jsonschema:"description=TCP listen port."`
	Token string `json:"token,omitempty" yaml:"token,omitempty" jsonschema:"description=32-character admission token."`
}

// UI extends Endpoint with its enable switch.
type UI struct {
	Enable bool   `json:"enable" yaml:"enable" jsonschema:"description=Listen for a spectator at newGame."`
	Port   int    `json:"port" yaml:"port" jsonschema:"description=TCP listen port."`
	Token  string `json:"token" yaml:"token" jsonschema:"description=32-character admission token."`
}

// WebUI configures the optional browser spectator bridge.
type WebUI struct {
	Enable bool   `json:"enable" yaml:"enable" jsonschema:"description=Serve UI messages to browsers over websockets."`
	Addr   string `json:"addr" yaml:"addr" jsonschema:"description=HTTP listen address, host:port."`
}

// Logging configures the structured event router.
type Logging struct {
	EnabledSinks    []string `json:"enabledSinks" yaml:"enabledSinks" jsonschema:"description=Active sinks: console and/or json."`
	BufferSize      int      `json:"bufferSize" yaml:"bufferSize" jsonschema:"description=Router queue depth."`
	MinimumSeverity string   `json:"minimumSeverity" yaml:"minimumSeverity" jsonschema:"description=Lowest severity forwarded: debug, info, warn or error."`
	JSONFilePath    string   `json:"jsonFilePath" yaml:"jsonFilePath" jsonschema:"description=NDJSON sink output path."`
	UseColor        bool     `json:"useColor" yaml:"useColor" jsonschema:"description=Colorize console severity labels."`
}

// Config is the full server configuration.
type Config struct {
	OutputHandler OutputHandler `json:"outputHandler" yaml:"outputHandler"`
	TurnTimeout   TurnTimeout   `json:"turnTimeout" yaml:"turnTimeout"`
	Client        Endpoint      `json:"client" yaml:"client"`
	Terminal      Endpoint      `json:"terminal" yaml:"terminal"`
	UI            UI            `json:"ui" yaml:"ui"`
	WebUI         WebUI         `json:"webui" yaml:"webui"`
	Logging       Logging       `json:"logging" yaml:"logging"`
}

// Default returns a runnable configuration for local use.
func Default() Config {
	return Config{
		OutputHandler: OutputHandler{
			TimeInterval: 1000,
			FilePath:     "game.ndjson",
			BufferSize:   256,
		},
		TurnTimeout: TurnTimeout{
			ClientResponseTime: 200,
			SimulateTimeout:    400,
			TurnTimeout:        500,
		},
		Client:   Endpoint{Port: 7099},
		Terminal: Endpoint{Port: 7000, Token: strings.Repeat("0", proto.TokenLength)},
		UI:       UI{Port: 7001, Token: strings.Repeat("0", proto.TokenLength)},
		Logging: Logging{
			EnabledSinks:    []string{"console"},
			BufferSize:      512,
			MinimumSeverity: "info",
		},
	}
}

// Load reads path, applies TURNCAST_* environment overrides and
// validates the result. A .env file next to the config is honored.
func Load(path string) (Config, error) {
	godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return Config{}, fmt.Errorf("%w: parse %s: %v", ErrConfig, path, err)
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays deployment overrides. Only the ports and tokens are
// overridable; pipeline tuning stays in the file.
func applyEnv(cfg *Config) {
	overrideInt("TURNCAST_CLIENT_PORT", &cfg.Client.Port)
	overrideInt("TURNCAST_TERMINAL_PORT", &cfg.Terminal.Port)
	overrideInt("TURNCAST_UI_PORT", &cfg.UI.Port)
	overrideString("TURNCAST_TERMINAL_TOKEN", &cfg.Terminal.Token)
	overrideString("TURNCAST_UI_TOKEN", &cfg.UI.Token)
	overrideString("TURNCAST_WEBUI_ADDR", &cfg.WebUI.Addr)
}

func overrideInt(key string, target *int) {
	value := os.Getenv(key)
	if value == "" {
		return
	}
	if parsed, err := strconv.Atoi(value); err == nil {
		*target = parsed
	}
}

func overrideString(key string, target *string) {
	if value := os.Getenv(key); value != "" {
		*target = value
	}
}

// Validate checks ports, tokens and pipeline bounds.
func (c Config) Validate() error {
	if err := validPort("client.port", c.Client.Port); err != nil {
		return err
	}
	if err := validPort("terminal.port", c.Terminal.Port); err != nil {
		return err
	}
	if !proto.ValidToken(c.Terminal.Token) {
		return fmt.Errorf("%w: terminal.token must be %d printable ASCII characters", ErrConfig, proto.TokenLength)
	}
	if c.UI.Enable {
		if err := validPort("ui.port", c.UI.Port); err != nil {
			return err
		}
		if !proto.ValidToken(c.UI.Token) {
			return fmt.Errorf("%w: ui.token must be %d printable ASCII characters", ErrConfig, proto.TokenLength)
		}
	}
	if c.OutputHandler.BufferSize <= 0 || c.OutputHandler.BufferSize > MaxBufferSize {
		return fmt.Errorf("%w: outputHandler.bufferSize must be in (0, %d]", ErrConfig, MaxBufferSize)
	}
	if c.OutputHandler.SendToUI && c.OutputHandler.TimeInterval <= 0 {
		return fmt.Errorf("%w: outputHandler.timeInterval must be positive when sendToUI is set", ErrConfig)
	}
	if c.OutputHandler.SendToFile && c.OutputHandler.FilePath == "" {
		return fmt.Errorf("%w: outputHandler.filePath is required when sendToFile is set", ErrConfig)
	}
	if c.TurnTimeout.TurnTimeout <= 0 {
		return fmt.Errorf("%w: turnTimeout.turnTimeout must be positive", ErrConfig)
	}
	if c.TurnTimeout.ClientResponseTime <= 0 {
		return fmt.Errorf("%w: turnTimeout.clientResponseTime must be positive", ErrConfig)
	}
	if c.WebUI.Enable && c.WebUI.Addr == "" {
		return fmt.Errorf("%w: webui.addr is required when webui.enable is set", ErrConfig)
	}
	return nil
}

func validPort(key string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%w: %s must be in (0, 65535], got %d", ErrConfig, key, port)
	}
	return nil
}
