package logging

import (
	"go.uber.org/zap/zapcore"
)

// unsampledFrom is the lowest level that bypasses sampling. Rejected records
// and refused learning updates log at Warn and each one must reach the log.
const unsampledFrom = zapcore.WarnLevel

// newSampledCore samples entries below Warn. Warn and above always pass.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}
	always := &gatedCore{Core: core, allow: func(l zapcore.Level) bool { return l >= unsampledFrom }}
	chatty := &gatedCore{Core: core, allow: func(l zapcore.Level) bool { return l < unsampledFrom }}
	return zapcore.NewTee(always, zapcore.NewSamplerWithOptions(chatty, cfg.Tick, cfg.Initial, cfg.Thereafter))
}

// gatedCore forwards only the levels allow accepts.
type gatedCore struct {
	zapcore.Core
	allow func(zapcore.Level) bool
}

func (c *gatedCore) Enabled(lvl zapcore.Level) bool {
	return c.allow(lvl) && c.Core.Enabled(lvl)
}

func (c *gatedCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *gatedCore) With(fields []zapcore.Field) zapcore.Core {
	return &gatedCore{Core: c.Core.With(fields), allow: c.allow}
}
