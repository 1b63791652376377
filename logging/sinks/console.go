package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"

	"github.com/fatih/color"

	"turncast/server/logging"
)

type ConsoleSink struct {
	logger   *log.Logger
	useColor bool
}

func NewConsoleSink(w io.Writer, cfg logging.ConsoleConfig) *ConsoleSink {
	return &ConsoleSink{logger: log.New(w, "", log.LstdFlags), useColor: cfg.UseColor}
}

func (s *ConsoleSink) Write(event logging.Event) error {
	if s.logger == nil {
		return nil
	}
	sev := formatSeverity(event.Severity)
	if s.useColor {
		sev = colorSeverity(event.Severity, sev)
	}
	s.logger.Printf("[%s] turn=%d severity=%s%s%s%s", event.Type, event.Turn, sev, formatEndpoint(event), formatSlot(event.Slot), formatPayload(event.Payload))
	return nil
}

func (s *ConsoleSink) Close(context.Context) error {
	return nil
}

func formatSeverity(sev logging.Severity) string {
	switch sev {
	case logging.SeverityDebug:
		return "debug"
	case logging.SeverityInfo:
		return "info"
	case logging.SeverityWarn:
		return "warn"
	case logging.SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

func colorSeverity(sev logging.Severity, text string) string {
	switch sev {
	case logging.SeverityWarn:
		return color.YellowString(text)
	case logging.SeverityError:
		return color.RedString(text)
	default:
		return text
	}
}

func formatEndpoint(event logging.Event) string {
	if event.Endpoint == "" {
		return ""
	}
	return fmt.Sprintf(" endpoint=%s", event.Endpoint)
}

func formatSlot(slot int) string {
	if slot < 0 {
		return ""
	}
	return fmt.Sprintf(" slot=%d", slot)
}

func formatPayload(payload any) string {
	if payload == nil {
		return ""
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf(" payload=%v", payload)
	}
	return fmt.Sprintf(" payload=%s", data)
}
