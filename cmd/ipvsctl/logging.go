package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	FWMarkKey string = "fwmark"
	FamilyKey string = "family"
)

var logLevelMap = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

func logReplacements(groups []string, a slog.Attr) slog.Attr {
	// Remove time.
	if a.Key == slog.TimeKey && len(groups) == 0 && !logTimeFlag {
		return slog.Attr{}
	}

	// Remove the directory from the source's filename.
	if a.Key == slog.SourceKey {
		source := a.Value.Any().(*slog.Source)
		source.File = filepath.Base(source.File)
	}

	// Firewall marks are usually set through iptables in hex
	if a.Key == FWMarkKey {
		switch mark := a.Value.Any().(type) {
		case uint32:
			return slog.Attr{Key: a.Key, Value: slog.StringValue(fmt.Sprintf("%#x", mark))}
		case uint64:
			return slog.Attr{Key: a.Key, Value: slog.StringValue(fmt.Sprintf("%#x", mark))}
		}
	}

	// Generic netlink family ids
	if a.Key == FamilyKey {
		if id, ok := a.Value.Any().(uint64); ok {
			return slog.Attr{Key: a.Key, Value: slog.StringValue(fmt.Sprintf("%#04x", id))}
		}
	}

	return a
}

func setupLogging() error {
	level, ok := logLevelMap[logLevelFlag]
	if !ok {
		return fmt.Errorf("wrong log level %q", logLevelFlag)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		AddSource:   level == slog.LevelDebug,
		Level:       level,
		ReplaceAttr: logReplacements,
	})))

	return nil
}
