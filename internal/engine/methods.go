package engine

import (
	"math"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"
	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-cli/internal/model"
)

// DutyInput is everything a duty method may read. Money is in cents and
// rates in percent.
type DutyInput struct {
	Program   model.Program
	Rate      float64
	BaseRate  float64
	Base      int64
	Value     int64
	Remaining int64
	PriorDuty int64
	// Percent is the declared share of the program's content, for on_portion.
	Percent float64
}

// DutyOutput is a computed duty.
type DutyOutput struct {
	Base          int64
	EffectiveRate float64
	Amount        int64
}

// DutyMethod is one duty arithmetic. Implementations are registered by kind.
type DutyMethod interface {
	Kind() model.DutyMethodKind
	Compute(in DutyInput) (DutyOutput, error)
}

// Methods maps a kind to its implementation.
type Methods map[model.DutyMethodKind]DutyMethod

// DefaultMethods returns the four built-in duty methods.
func DefaultMethods() (Methods, error) {
	formula, err := NewFormulaMethod()
	if err != nil {
		return nil, err
	}
	return Methods{
		model.DutyAdditive:  AdditiveMethod{},
		model.DutyCompound:  CompoundMethod{},
		model.DutyOnPortion: OnPortionMethod{},
		model.DutyFormula:   formula,
	}, nil
}

// Lookup returns the method for kind; an empty kind means additive.
func (m Methods) Lookup(kind model.DutyMethodKind) (DutyMethod, error) {
	if kind == "" {
		kind = model.DutyAdditive
	}
	dm, ok := m[kind]
	if !ok {
		return nil, eris.Errorf("engine: unknown duty method %q", kind)
	}
	return dm, nil
}

// AdditiveMethod levies rate × base.
type AdditiveMethod struct{}

func (AdditiveMethod) Kind() model.DutyMethodKind { return model.DutyAdditive }

func (AdditiveMethod) Compute(in DutyInput) (DutyOutput, error) {
	return DutyOutput{Base: in.Base, EffectiveRate: in.Rate, Amount: applyRate(in.Base, in.Rate)}, nil
}

// CompoundMethod levies rate × (base + duty already assessed).
type CompoundMethod struct{}

func (CompoundMethod) Kind() model.DutyMethodKind { return model.DutyCompound }

func (CompoundMethod) Compute(in DutyInput) (DutyOutput, error) {
	base := in.Base + in.PriorDuty
	return DutyOutput{Base: base, EffectiveRate: in.Rate, Amount: applyRate(base, in.Rate)}, nil
}

// OnPortionMethod levies rate on the declared percentage of the product
// value rather than on an absolute slice.
type OnPortionMethod struct{}

func (OnPortionMethod) Kind() model.DutyMethodKind { return model.DutyOnPortion }

func (OnPortionMethod) Compute(in DutyInput) (DutyOutput, error) {
	if in.Percent < 0 || in.Percent > 100 {
		return DutyOutput{}, eris.Errorf("engine: on_portion percent %v out of range", in.Percent)
	}
	base := roundCents(float64(in.Value) * in.Percent / 100)
	return DutyOutput{Base: base, EffectiveRate: in.Rate, Amount: applyRate(base, in.Rate)}, nil
}

// FormulaMethod evaluates a CEL expression returning the effective rate in
// percent, e.g. max(0.0, ceiling_rate - base_rate).
type FormulaMethod struct {
	env      *cel.Env
	mu       sync.Mutex
	programs map[string]cel.Program
}

// NewFormulaMethod builds the CEL environment shared by all formulas.
func NewFormulaMethod() (*FormulaMethod, error) {
	env, err := cel.NewEnv(
		cel.Variable("rate", cel.DoubleType),
		cel.Variable("base_rate", cel.DoubleType),
		cel.Variable("ceiling_rate", cel.DoubleType),
		cel.Variable("value", cel.DoubleType),
		cel.Variable("base", cel.DoubleType),
		cel.Variable("remaining", cel.DoubleType),
		cel.Variable("prior_duty", cel.DoubleType),
		ext.Math(),
		binaryDoubleFunc("max", math.Max),
		binaryDoubleFunc("min", math.Min),
	)
	if err != nil {
		return nil, eris.Wrap(err, "engine: create formula env")
	}
	return &FormulaMethod{env: env, programs: make(map[string]cel.Program)}, nil
}

func (*FormulaMethod) Kind() model.DutyMethodKind { return model.DutyFormula }

// Compile checks an expression without evaluating it.
func (f *FormulaMethod) Compile(expr string) error {
	_, err := f.program(expr)
	return err
}

func (f *FormulaMethod) program(expr string) (cel.Program, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if prg, ok := f.programs[expr]; ok {
		return prg, nil
	}
	ast, issues := f.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, eris.Wrapf(issues.Err(), "engine: compile formula %q", expr)
	}
	prg, err := f.env.Program(ast)
	if err != nil {
		return nil, eris.Wrapf(err, "engine: program formula %q", expr)
	}
	f.programs[expr] = prg
	return prg, nil
}

func (f *FormulaMethod) Compute(in DutyInput) (DutyOutput, error) {
	if in.Program.Formula == "" {
		return DutyOutput{}, eris.Errorf("engine: program %s has no formula", in.Program.ID)
	}
	prg, err := f.program(in.Program.Formula)
	if err != nil {
		return DutyOutput{}, err
	}
	out, _, err := prg.Eval(map[string]any{
		"rate":         in.Rate,
		"base_rate":    in.BaseRate,
		"ceiling_rate": in.Rate,
		"value":        float64(in.Value),
		"base":         float64(in.Base),
		"remaining":    float64(in.Remaining),
		"prior_duty":   float64(in.PriorDuty),
	})
	if err != nil {
		return DutyOutput{}, eris.Wrapf(err, "engine: eval formula for %s", in.Program.ID)
	}

	var rate float64
	switch v := out.Value().(type) {
	case float64:
		rate = v
	case int64:
		rate = float64(v)
	default:
		return DutyOutput{}, eris.Errorf("engine: formula for %s returned %T, want number", in.Program.ID, v)
	}
	if math.IsNaN(rate) || math.IsInf(rate, 0) {
		return DutyOutput{}, eris.Errorf("engine: formula for %s returned %v", in.Program.ID, rate)
	}
	return DutyOutput{Base: in.Base, EffectiveRate: rate, Amount: applyRate(in.Base, rate)}, nil
}

// binaryDoubleFunc declares name(a, b) over any mix of int and double.
func binaryDoubleFunc(name string, fn func(a, b float64) float64) cel.EnvOption {
	impl := cel.BinaryBinding(func(a, b ref.Val) ref.Val {
		x, okA := toFloat(a)
		y, okB := toFloat(b)
		if !okA || !okB {
			return types.NewErr("%s: numeric arguments required", name)
		}
		return types.Double(fn(x, y))
	})
	return cel.Function(name,
		cel.Overload(name+"_double_double", []*cel.Type{cel.DoubleType, cel.DoubleType}, cel.DoubleType, impl),
		cel.Overload(name+"_int_double", []*cel.Type{cel.IntType, cel.DoubleType}, cel.DoubleType, impl),
		cel.Overload(name+"_double_int", []*cel.Type{cel.DoubleType, cel.IntType}, cel.DoubleType, impl),
	)
}

func toFloat(v ref.Val) (float64, bool) {
	switch n := v.(type) {
	case types.Double:
		return float64(n), true
	case types.Int:
		return float64(n), true
	}
	return 0, false
}

// applyRate returns base × rate% rounded half away from zero to the cent.
func applyRate(base int64, rate float64) int64 {
	return roundCents(float64(base) * rate / 100)
}

func roundCents(v float64) int64 { return int64(math.Round(v)) }
