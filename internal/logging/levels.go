package logging

import (
	"strings"

	"go.uber.org/zap/zapcore"
)

// TraceLevel is a custom level below Debug for per-comparator detail.
const TraceLevel = zapcore.Level(-2)

// levelAliases maps names operators tend to write onto zap levels. Notices
// (refused overwrites of reviewer decisions) are logged at Info.
var levelAliases = map[string]zapcore.Level{
	"trace":   TraceLevel,
	"notice":  zapcore.InfoLevel,
	"warning": zapcore.WarnLevel,
}

// LevelFromString parses a level name, case-insensitively.
func LevelFromString(level string) (zapcore.Level, error) {
	level = strings.ToLower(strings.TrimSpace(level))
	if l, ok := levelAliases[level]; ok {
		return l, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, err
	}
	return l, nil
}
