package logging

import (
	"log"
	"log/slog"
	"os"
	"strings"
)

// Setup installs a JSON slog handler as the process default and returns it.
// Log lines carry the service name, plus the environment when provided, and
// use timestamp/severity/message keys so collectors ingest them unchanged.
// The standard library logger is bridged onto the same handler.
func Setup(service, env string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		ReplaceAttr: renameCoreKeys,
	})

	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(service))}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}

	args := make([]any, len(attrs))
	for i, attr := range attrs {
		args[i] = attr
	}
	base := slog.New(handler).With(args...)
	slog.SetDefault(base)

	bridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	bridge.SetFlags(0)
	log.SetOutput(bridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}

func renameCoreKeys(groups []string, attr slog.Attr) slog.Attr {
	switch attr.Key {
	case slog.TimeKey:
		attr.Key = "timestamp"
	case slog.LevelKey:
		return slog.String("severity", strings.ToUpper(attr.Value.String()))
	case slog.MessageKey:
		attr.Key = "message"
	}
	return attr
}
