package engine

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-cli/internal/model"
)

// Content is a declared material content of the product. Either ValueCents
// or Percent (of product value) may be given.
type Content struct {
	Key        string  `json:"key" validate:"required"`
	ValueCents int64   `json:"value_cents" validate:"gte=0"`
	Percent    float64 `json:"percent,omitempty" validate:"gte=0,lte=100"`
}

// Request is an evaluation request. Today is supplied by the caller; the
// engine never reads the clock.
type Request struct {
	HTS         string    `json:"hts" validate:"required"`
	Country     string    `json:"country" validate:"required,len=2"`
	EntryDate   time.Time `json:"entry_date" validate:"required"`
	Today       time.Time `json:"today" validate:"required"`
	ValueCents  int64     `json:"value_cents" validate:"gte=0"`
	Composition []Content `json:"composition,omitempty" validate:"dive"`
}

// Query is a validated, normalized request.
type Query struct {
	HTS         string
	Country     string
	Date        time.Time
	Today       time.Time
	ValueCents  int64
	Composition map[string]Content

	// cents holds percent declarations allocated to whole cents.
	cents map[string]int64
}

// IsFuture reports whether the entry date is after the caller's today.
func (q Query) IsFuture() bool { return model.Day(q.Date).After(model.Day(q.Today)) }

// ContentValue returns the declared value of key in cents and whether it
// was declared at all. Percent declarations are converted against the
// product value.
func (q Query) ContentValue(key string) (int64, bool) {
	c, ok := q.Composition[key]
	if !ok {
		return 0, false
	}
	if v, ok := q.cents[key]; ok {
		return v, true
	}
	if c.ValueCents > 0 || c.Percent == 0 {
		return c.ValueCents, true
	}
	return roundCents(float64(q.ValueCents) * c.Percent / 100), true
}

// ContentShare returns the declared share of key as a percent of value.
func (q Query) ContentShare(key string) (float64, bool) {
	c, ok := q.Composition[key]
	if !ok {
		return 0, false
	}
	if c.Percent > 0 {
		return c.Percent, true
	}
	if q.ValueCents == 0 {
		return 0, true
	}
	return float64(c.ValueCents) * 100 / float64(q.ValueCents), true
}

// Normalize validates a request against the rule source.
func Normalize(ctx context.Context, src RuleSource, req Request) (Query, error) {
	hts, err := NormalizeHTS(req.HTS)
	if err != nil {
		return Query{}, err
	}

	country := strings.ToUpper(strings.TrimSpace(req.Country))
	if len(country) != 2 {
		return Query{}, invalid("country", "%q is not an ISO 3166-1 alpha-2 code", req.Country)
	}
	known, err := src.CountryKnown(ctx, country)
	if err != nil {
		return Query{}, eris.Wrap(err, "engine: country lookup")
	}
	if !known {
		return Query{}, invalid("country", "unknown country %q", country)
	}

	if req.EntryDate.IsZero() {
		return Query{}, invalid("entry_date", "is required")
	}
	if req.Today.IsZero() {
		return Query{}, invalid("today", "is required")
	}
	if req.ValueCents < 0 {
		return Query{}, invalid("value_cents", "must not be negative")
	}

	comp := make(map[string]Content, len(req.Composition))
	var declared int64
	for _, c := range req.Composition {
		key := strings.ToLower(strings.TrimSpace(c.Key))
		switch {
		case key == "":
			return Query{}, invalid("composition", "content key is required")
		case c.ValueCents < 0:
			return Query{}, invalid("composition", "%s value must not be negative", key)
		case c.Percent < 0 || c.Percent > 100:
			return Query{}, invalid("composition", "%s percent must be between 0 and 100", key)
		}
		if _, dup := comp[key]; dup {
			return Query{}, invalid("composition", "%s declared twice", key)
		}
		c.Key = key
		comp[key] = c
	}

	q := Query{
		HTS:         hts,
		Country:     country,
		Date:        model.Day(req.EntryDate),
		Today:       model.Day(req.Today),
		ValueCents:  req.ValueCents,
		Composition: comp,
	}
	keys := make([]string, 0, len(comp))
	for k := range comp {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var percent float64
	for _, k := range keys {
		if comp[k].ValueCents == 0 {
			percent += comp[k].Percent
		}
	}
	if percent > 100+1e-9 {
		return Query{}, invalid("composition", "declared percentages total %.4g, over 100", percent)
	}
	q.cents = allocatePercents(req.ValueCents, comp, keys)

	for _, k := range keys {
		v, _ := q.ContentValue(k)
		declared += v
	}
	if declared > req.ValueCents {
		return Query{}, invalid("composition", "declared content %d exceeds product value %d", declared, req.ValueCents)
	}
	return q, nil
}

// allocatePercents converts percent declarations to cents by largest
// remainder. Shares totalling 100 percent cover value exactly.
func allocatePercents(value int64, comp map[string]Content, keys []string) map[string]int64 {
	type share struct {
		key   string
		exact float64
		cents int64
	}
	var (
		shares []share
		total  float64
		used   int64
	)
	for _, k := range keys {
		c := comp[k]
		if c.ValueCents > 0 || c.Percent == 0 {
			continue
		}
		exact := float64(value) * c.Percent / 100
		s := share{key: k, exact: exact, cents: int64(math.Floor(exact))}
		shares = append(shares, s)
		total += c.Percent
		used += s.cents
	}
	if len(shares) == 0 {
		return nil
	}

	target := min(roundCents(float64(value)*total/100), value)
	order := make([]int, len(shares))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ra := shares[order[a]].exact - float64(shares[order[a]].cents)
		rb := shares[order[b]].exact - float64(shares[order[b]].cents)
		return ra > rb
	})
	for i := 0; used < target && i < len(order); i++ {
		shares[order[i]].cents++
		used++
	}

	out := make(map[string]int64, len(shares))
	for _, s := range shares {
		out[s.key] = s.cents
	}
	return out
}
