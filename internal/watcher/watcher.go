// Package watcher discovers new and changed documents at the official
// sources and hands them to the ingest queue.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-cli/internal/config"
	"github.com/sells-group/tariff-cli/internal/fetcher"
	"github.com/sells-group/tariff-cli/internal/model"
)

// ErrUnknownWatcher is returned for a watcher name that is not registered.
var ErrUnknownWatcher = eris.New("watcher: unknown watcher")

// Poll is the result of one watcher poll.
type Poll struct {
	Documents []model.Descriptor
	// Checkpoint is stored and passed to the next poll. Watchers return the
	// previous checkpoint when nothing new was seen.
	Checkpoint string
}

// Watcher polls one external source.
type Watcher interface {
	// Name is the source name recorded on jobs and runs.
	Name() string
	// Tier is the authority of the documents this source publishes.
	Tier() model.Tier
	// Poll returns documents published since checkpoint. An empty
	// checkpoint means first run.
	Poll(ctx context.Context, checkpoint string) (*Poll, error)
}

// Registry holds the configured watchers in registration order.
type Registry struct {
	watchers map[string]Watcher
	order    []string
}

// NewRegistry creates a registry with the watchers enabled in cfg.
func NewRegistry(cfg config.WatchersConfig, f fetcher.Fetcher) (*Registry, error) {
	r := &Registry{watchers: make(map[string]Watcher)}
	for _, name := range cfg.Enabled {
		switch name {
		case FederalRegisterName:
			r.Register(NewFederalRegister(f, cfg.FederalRegister, cfg.Agencies, cfg.Terms))
		case CSMSName:
			w := NewCSMS(f, cfg.CSMS, cfg.Terms)
			if cfg.LookbackDays > 0 {
				w.Lookback = time.Duration(cfg.LookbackDays) * 24 * time.Hour
			}
			r.Register(w)
		case USITCName:
			r.Register(NewUSITC(f, cfg.USITC))
		default:
			return nil, eris.Wrapf(ErrUnknownWatcher, "watcher: %q", name)
		}
	}
	return r, nil
}

// Register adds a watcher, replacing any with the same name.
func (r *Registry) Register(w Watcher) {
	if r.watchers == nil {
		r.watchers = make(map[string]Watcher)
	}
	if _, ok := r.watchers[w.Name()]; !ok {
		r.order = append(r.order, w.Name())
	}
	r.watchers[w.Name()] = w
}

// Get returns a watcher by name.
func (r *Registry) Get(name string) (Watcher, error) {
	w, ok := r.watchers[name]
	if !ok {
		return nil, eris.Wrapf(ErrUnknownWatcher, "watcher: %q", name)
	}
	return w, nil
}

// Names returns registered watcher names in order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Select returns the named watchers, or all of them when names is empty.
func (r *Registry) Select(names []string) ([]Watcher, error) {
	if len(names) == 0 {
		out := make([]Watcher, 0, len(r.order))
		for _, n := range r.order {
			out = append(out, r.watchers[n])
		}
		return out, nil
	}
	out := make([]Watcher, 0, len(names))
	for _, n := range names {
		w, err := r.Get(n)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

// Fingerprint hashes the metadata fields that change when a source
// republishes a document. Watchers whose documents are too large to fetch
// on every poll use it as the descriptor's content hash; the pipeline
// hashes the actual bytes after fetch.
func Fingerprint(parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(h[:])
}

func nonEmpty(urls ...string) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if strings.TrimSpace(u) != "" {
			out = append(out, u)
		}
	}
	return out
}

func matchesAny(text string, terms []string) bool {
	if len(terms) == 0 {
		return true
	}
	text = strings.ToLower(text)
	for _, t := range terms {
		if strings.Contains(text, strings.ToLower(t)) {
			return true
		}
	}
	return false
}
