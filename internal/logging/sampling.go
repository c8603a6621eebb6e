package logging

import (
	"go.uber.org/zap/zapcore"
)

// newSampledCore applies each level's sampling budget independently.
// Error and above, and levels without a budget, pass through unsampled.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled || len(cfg.Levels) == 0 {
		return core
	}

	budgeted := make(map[zapcore.Level]bool, len(cfg.Levels))
	cores := make([]zapcore.Core, 0, len(cfg.Levels)+1)
	for lvl, budget := range cfg.Levels {
		if lvl >= zapcore.ErrorLevel {
			continue
		}
		budgeted[lvl] = true
		only := lvl
		cores = append(cores, zapcore.NewSamplerWithOptions(
			&levelCore{Core: core, accept: func(l zapcore.Level) bool { return l == only }},
			cfg.Tick.Duration(),
			budget.Initial,
			budget.Thereafter,
		))
	}
	cores = append(cores, &levelCore{Core: core, accept: func(l zapcore.Level) bool { return !budgeted[l] }})
	return zapcore.NewTee(cores...)
}

// levelCore restricts a core to the levels accept allows.
type levelCore struct {
	zapcore.Core
	accept func(zapcore.Level) bool
}

func (c *levelCore) Enabled(lvl zapcore.Level) bool {
	return c.accept(lvl) && c.Core.Enabled(lvl)
}

func (c *levelCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *levelCore) With(fields []zapcore.Field) zapcore.Core {
	return &levelCore{Core: c.Core.With(fields), accept: c.accept}
}
