// Package provider decides which push transport a component uses.
//
// Sources, highest first: the "transport" query parameter, the override
// persisted in the store, the configured default and finally BuildDefault.
// Changing the override triggers a reload; running clients are never
// swapped in place.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/rickgao/livesync/internal/store"
	"github.com/rickgao/livesync/internal/transport"
)

// BuildDefault is the transport used when nothing else picks one. Set at
// build time:
//
//	go build -ldflags "-X github.com/rickgao/livesync/internal/provider.BuildDefault=multiplexed"
var BuildDefault = "raw"

// QueryParam is the URL query parameter that overrides every other source.
const QueryParam = "transport"

// DefaultKey is the store key holding the persisted override.
const DefaultKey = "livesync.transport"

// Source says where a resolved kind came from.
type Source string

const (
	SourceQuery   Source = "query"
	SourceStore   Source = "store"
	SourceDefault Source = "default"
	SourceBuild   Source = "build"
)

// ReloadFunc re-resolves and remounts every component.
type ReloadFunc func(ctx context.Context) error

// Option configures a Selector.
type Option func(*Selector)

// WithKey sets the store key.
func WithKey(key string) Option {
	return func(s *Selector) {
		if key != "" {
			s.key = key
		}
	}
}

// WithDefault sets the configured default, which ranks above
// BuildDefault. KindNone leaves it unset.
func WithDefault(kind transport.Kind) Option {
	return func(s *Selector) {
		s.def = kind
	}
}

// WithReloadHook sets the function run after the override changes.
func WithReloadHook(fn ReloadFunc) Option {
	return func(s *Selector) {
		s.reload = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Selector) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Selector resolves transport kinds. A nil store disables the persisted
// override.
type Selector struct {
	store  store.OverrideStore
	key    string
	def    transport.Kind
	reload ReloadFunc
	logger *slog.Logger
}

// NewSelector creates a selector reading overrides from st.
func NewSelector(st store.OverrideStore, opts ...Option) *Selector {
	s := &Selector{
		store:  st,
		key:    DefaultKey,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Resolve returns the transport kind for a request carrying query.
func (s *Selector) Resolve(ctx context.Context, query url.Values) transport.Kind {
	kind, _ := s.ResolveSource(ctx, query)
	return kind
}

// ResolveSource is Resolve that also reports which source won. Unknown
// values at any level fall through to the next source.
func (s *Selector) ResolveSource(ctx context.Context, query url.Values) (transport.Kind, Source) {
	if v := query.Get(QueryParam); v != "" {
		if kind, ok := usable(v); ok {
			return kind, SourceQuery
		}
		s.logger.Warn("ignoring unknown transport in query", "value", v)
	}

	if kind, ok, err := s.Override(ctx); err != nil {
		s.logger.Warn("failed to read transport override", "error", err)
	} else if ok {
		return kind, SourceStore
	}

	if s.def != transport.KindNone {
		return s.def, SourceDefault
	}

	if kind, ok := usable(BuildDefault); ok {
		return kind, SourceBuild
	}
	s.logger.Warn("invalid build default transport", "value", BuildDefault)
	return transport.KindRawPush, SourceBuild
}

// Override returns the persisted override, if any. A stored value that
// does not parse is reported as absent.
func (s *Selector) Override(ctx context.Context) (transport.Kind, bool, error) {
	if s.store == nil {
		return transport.KindNone, false, nil
	}

	v, err := s.store.Get(ctx, s.key)
	if errors.Is(err, store.ErrNotFound) {
		return transport.KindNone, false, nil
	}
	if err != nil {
		return transport.KindNone, false, err
	}

	kind, ok := usable(v)
	if !ok {
		s.logger.Warn("ignoring unknown stored transport", "value", v)
		return transport.KindNone, false, nil
	}
	return kind, true, nil
}

// SetOverride persists kind and runs the reload hook.
func (s *Selector) SetOverride(ctx context.Context, kind transport.Kind) error {
	if kind != transport.KindRawPush && kind != transport.KindMultiplexed {
		return fmt.Errorf("cannot persist transport %s", kind)
	}
	if s.store == nil {
		return errors.New("no override store configured")
	}

	if err := s.store.Set(ctx, s.key, kind.String()); err != nil {
		return fmt.Errorf("persist override: %w", err)
	}
	s.logger.Info("transport override set", "transport", kind)

	return s.runReload(ctx)
}

// ClearOverride removes the persisted override and runs the reload hook.
func (s *Selector) ClearOverride(ctx context.Context) error {
	if s.store == nil {
		return nil
	}

	if err := s.store.Clear(ctx, s.key); err != nil {
		return fmt.Errorf("clear override: %w", err)
	}
	s.logger.Info("transport override cleared")

	return s.runReload(ctx)
}

func (s *Selector) runReload(ctx context.Context) error {
	if s.reload == nil {
		return nil
	}
	if err := s.reload(ctx); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	return nil
}

func usable(v string) (transport.Kind, bool) {
	kind, err := transport.ParseKind(v)
	if err != nil || kind == transport.KindNone {
		return transport.KindNone, false
	}
	return kind, true
}
