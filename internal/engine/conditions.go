package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-cli/internal/model"
)

// Condition is an extra applicability test attached to a program as data.
// The set of kinds is closed; each kind is one type registered below.
type Condition interface {
	Kind() string
	Holds(q Query) bool
	condition()
}

type conditionFactory func(params map[string]any) (Condition, error)

var conditionKinds = map[string]conditionFactory{
	"min_value":         newMinValue,
	"content_declared":  newContentDeclared,
	"content_min_share": newContentMinShare,
	"hts_not_prefix":    newHTSNotPrefix,
}

// ConditionKinds lists the registered condition kinds.
func ConditionKinds() []string {
	kinds := make([]string, 0, len(conditionKinds))
	for k := range conditionKinds {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// BuildConditions turns stored specs into conditions. Unknown kinds are an
// error so a bad registry row fails loudly at load time.
func BuildConditions(specs []model.ConditionSpec) ([]Condition, error) {
	out := make([]Condition, 0, len(specs))
	for _, s := range specs {
		f, ok := conditionKinds[s.Kind]
		if !ok {
			return nil, eris.Errorf("engine: unknown condition kind %q", s.Kind)
		}
		c, err := f(s.Params)
		if err != nil {
			return nil, eris.Wrapf(err, "engine: condition %s", s.Kind)
		}
		out = append(out, c)
	}
	return out, nil
}

// minValue holds when the product value is at least Cents.
type minValue struct{ Cents int64 }

func newMinValue(p map[string]any) (Condition, error) {
	v, err := numberParam(p, "cents")
	if err != nil {
		return nil, err
	}
	return minValue{Cents: int64(v)}, nil
}

func (c minValue) Kind() string       { return "min_value" }
func (c minValue) Holds(q Query) bool { return q.ValueCents >= c.Cents }
func (minValue) condition()           {}

// contentDeclared holds when the importer declared Key with a positive value.
type contentDeclared struct{ Key string }

func newContentDeclared(p map[string]any) (Condition, error) {
	k, err := stringParam(p, "key")
	if err != nil {
		return nil, err
	}
	return contentDeclared{Key: strings.ToLower(k)}, nil
}

func (c contentDeclared) Kind() string { return "content_declared" }
func (c contentDeclared) Holds(q Query) bool {
	v, ok := q.ContentValue(c.Key)
	return ok && v > 0
}
func (contentDeclared) condition() {}

// contentMinShare holds when Key makes up at least Percent of the value.
// An undeclared key does not satisfy it.
type contentMinShare struct {
	Key     string
	Percent float64
}

func newContentMinShare(p map[string]any) (Condition, error) {
	k, err := stringParam(p, "key")
	if err != nil {
		return nil, err
	}
	pct, err := numberParam(p, "percent")
	if err != nil {
		return nil, err
	}
	return contentMinShare{Key: strings.ToLower(k), Percent: pct}, nil
}

func (c contentMinShare) Kind() string { return "content_min_share" }
func (c contentMinShare) Holds(q Query) bool {
	share, ok := q.ContentShare(c.Key)
	return ok && share >= c.Percent
}
func (contentMinShare) condition() {}

// htsNotPrefix carves codes out of an otherwise broad HTS scope.
type htsNotPrefix struct{ Prefixes []string }

func newHTSNotPrefix(p map[string]any) (Condition, error) {
	raw, ok := p["prefixes"]
	if !ok {
		return nil, eris.New("missing param prefixes")
	}
	list, ok := raw.([]any)
	if !ok {
		if ss, ok2 := raw.([]string); ok2 {
			return htsNotPrefix{Prefixes: ss}, nil
		}
		return nil, eris.Errorf("param prefixes must be a list, got %T", raw)
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		out = append(out, strings.ReplaceAll(fmt.Sprint(v), ".", ""))
	}
	return htsNotPrefix{Prefixes: out}, nil
}

func (c htsNotPrefix) Kind() string { return "hts_not_prefix" }
func (c htsNotPrefix) Holds(q Query) bool {
	for _, p := range c.Prefixes {
		if strings.HasPrefix(q.HTS, p) {
			return false
		}
	}
	return true
}
func (htsNotPrefix) condition() {}

func numberParam(p map[string]any, name string) (float64, error) {
	raw, ok := p[name]
	if !ok {
		return 0, eris.Errorf("missing param %s", name)
	}
	switch v := raw.(type) {
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	}
	return 0, eris.Errorf("param %s must be a number, got %T", name, raw)
}

func stringParam(p map[string]any, name string) (string, error) {
	raw, ok := p[name]
	if !ok {
		return "", eris.Errorf("missing param %s", name)
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return "", eris.Errorf("param %s must be a non-empty string", name)
	}
	return s, nil
}
