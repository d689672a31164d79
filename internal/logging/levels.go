package logging

import "go.uber.org/zap/zapcore"

// TraceLevel sits below Debug for wire-level detail: raw embedding
// requests, vector payloads, per-candidate scoring terms. Almost
// always filtered in production.
const TraceLevel = zapcore.Level(-2)

// LevelFromString parses a level name, supporting "trace" in addition
// to the standard zap levels.
func LevelFromString(level string) (zapcore.Level, error) {
	if level == "trace" {
		return TraceLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, err
	}
	return l, nil
}
