// Package derive evaluates computed signals over each published poll cycle,
// e.g. the temperature delta across the heat exchanger. Signals are plain
// expressions over register names and never touch the transport.
package derive

import (
	"fmt"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog"

	"github.com/mwinther/hpgate/state"
)

// Diagnostic codes attached to computed entries that could not be evaluated.
const (
	codeFailed      = "derive.failed"
	codeUnavailable = "derive.unavailable"
)

// Signal declares one computed entry: the name it is published under and the
// expression producing its value. Expressions may reference registers by name
// directly ("outlet_temp - inlet_temp") or through value()/valid() helpers.
type Signal struct {
	Name       string
	Expression string
}

type compiledSignal struct {
	name    string
	source  string
	program *vm.Program
}

// Engine holds the compiled signal programs for the lifetime of the process.
type Engine struct {
	signals []compiledSignal
	logger  zerolog.Logger
}

// New compiles all signal expressions. A signal that fails to compile rejects
// the whole set, so configuration mistakes surface at startup.
func New(signals []Signal, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{logger: logger.With().Str("component", "derive").Logger()}
	seen := make(map[string]struct{}, len(signals))
	for _, s := range signals {
		if s.Name == "" {
			return nil, fmt.Errorf("computed signal name must not be empty")
		}
		if _, dup := seen[s.Name]; dup {
			return nil, fmt.Errorf("computed signal %s declared twice", s.Name)
		}
		seen[s.Name] = struct{}{}
		program, err := expr.Compile(s.Expression, expr.Env(map[string]interface{}{}), expr.AllowUndefinedVariables())
		if err != nil {
			return nil, fmt.Errorf("computed signal %s: %w", s.Name, err)
		}
		e.signals = append(e.signals, compiledSignal{name: s.Name, source: s.Expression, program: program})
	}
	return e, nil
}

// Enrich evaluates every signal against the cycle's decoded values and adds
// the results in place. It satisfies poll.Enricher.
func (e *Engine) Enrich(now time.Time, values map[string]state.DecodedValue) {
	if e == nil || len(e.signals) == 0 {
		return
	}
	env := make(map[string]interface{}, len(values)+2)
	for name, entry := range values {
		if entry.Valid {
			env[name] = entry.Value
		}
	}
	env["value"] = func(name string) interface{} {
		entry, ok := values[name]
		if !ok || !entry.Valid {
			return nil
		}
		return entry.Value
	}
	env["valid"] = func(name string) bool {
		entry, ok := values[name]
		return ok && entry.Valid
	}

	for _, s := range e.signals {
		result, err := vm.Run(s.program, env)
		if err != nil {
			e.logger.Warn().Err(err).Str("signal", s.name).Msg("computed signal evaluation failed")
			values[s.name] = state.DecodedValue{Timestamp: now, Valid: false, Code: codeFailed}
			continue
		}
		if result == nil {
			values[s.name] = state.DecodedValue{Timestamp: now, Valid: false, Code: codeUnavailable}
			continue
		}
		values[s.name] = state.DecodedValue{Value: result, Timestamp: now, Valid: true}
	}
}
