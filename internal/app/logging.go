package app

import (
	"fmt"
	"os"
	"time"

	"turncast/server/internal/config"
	"turncast/server/logging"
	"turncast/server/logging/sinks"
)

// buildRouter assembles the event router from the logging section.
func buildRouter(cfg config.Logging) (*logging.Router, error) {
	routerCfg := logging.DefaultConfig()
	if cfg.BufferSize > 0 {
		routerCfg.BufferSize = cfg.BufferSize
	}
	severity, err := parseSeverity(cfg.MinimumSeverity)
	if err != nil {
		return nil, err
	}
	routerCfg.MinimumSeverity = severity
	routerCfg.Console.UseColor = cfg.UseColor

	enabled := cfg.EnabledSinks
	if len(enabled) == 0 {
		enabled = []string{"console"}
	}
	var named []logging.NamedSink
	for _, name := range enabled {
		switch name {
		case "console":
			named = append(named, logging.NamedSink{
				Name: "console",
				Sink: sinks.NewConsoleSink(os.Stdout, routerCfg.Console),
			})
		case "json":
			path := cfg.JSONFilePath
			if path == "" {
				path = "server-events.ndjson"
			}
			file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("%w: open %s: %v", config.ErrConfig, path, err)
			}
			named = append(named, logging.NamedSink{
				Name: "json",
				Sink: sinks.NewJSON(file, 2*time.Second),
			})
		default:
			return nil, fmt.Errorf("%w: unknown logging sink %q", config.ErrConfig, name)
		}
	}
	return logging.NewRouter(logging.SystemClock{}, routerCfg, named)
}

func parseSeverity(name string) (logging.Severity, error) {
	switch name {
	case "", "info":
		return logging.SeverityInfo, nil
	case "debug":
		return logging.SeverityDebug, nil
	case "warn":
		return logging.SeverityWarn, nil
	case "error":
		return logging.SeverityError, nil
	default:
		return 0, fmt.Errorf("%w: unknown severity %q", config.ErrConfig, name)
	}
}
