// Package provider selects one implementation per backend interface at
// startup from a static list of registered factories.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoProvider indicates no registered provider is enabled by the configuration
	ErrNoProvider = errors.New("no provider configured")

	// ErrAmbiguousProvider indicates more than one provider is enabled by the configuration
	ErrAmbiguousProvider = errors.New("ambiguous provider configuration")
)

// ConfigurationError reports a selection failure. It is fatal at startup.
type ConfigurationError struct {
	Kind    string
	Matches []string
	Err     error
}

func (e *ConfigurationError) Error() string {
	if len(e.Matches) > 0 {
		return fmt.Sprintf("%s provider: %v (%s)", e.Kind, e.Err, strings.Join(e.Matches, ", "))
	}
	return fmt.Sprintf("%s provider: %v", e.Kind, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// Predicate reports whether a provider is enabled by cfg
type Predicate[C any] func(cfg C) bool

// Factory builds a provider instance from cfg
type Factory[C, T any] func(ctx context.Context, cfg C) (T, error)

type entry[C, T any] struct {
	name    string
	enabled Predicate[C]
	factory Factory[C, T]
}

// Registry holds the providers of one interface in registration order
type Registry[C, T any] struct {
	kind    string
	entries []entry[C, T]
}

// New creates an empty registry. kind names the interface in errors.
func New[C, T any](kind string) *Registry[C, T] {
	return &Registry[C, T]{kind: kind}
}

// Register appends a provider. It returns the registry for chaining.
func (r *Registry[C, T]) Register(name string, enabled Predicate[C], factory Factory[C, T]) *Registry[C, T] {
	r.entries = append(r.entries, entry[C, T]{name: name, enabled: enabled, factory: factory})
	return r
}

// Names lists the registered providers in registration order
func (r *Registry[C, T]) Names() []string {
	names := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		names = append(names, e.name)
	}
	return names
}

// Select evaluates every predicate and builds the single enabled provider.
// No match and several matches are both configuration errors.
func (r *Registry[C, T]) Select(ctx context.Context, cfg C) (T, string, error) {
	var zero T
	var matches []entry[C, T]
	for _, e := range r.entries {
		if e.enabled(cfg) {
			matches = append(matches, e)
		}
	}

	switch len(matches) {
	case 0:
		return zero, "", &ConfigurationError{Kind: r.kind, Matches: r.Names(), Err: ErrNoProvider}
	case 1:
	default:
		names := make([]string, 0, len(matches))
		for _, m := range matches {
			names = append(names, m.name)
		}
		return zero, "", &ConfigurationError{Kind: r.kind, Matches: names, Err: ErrAmbiguousProvider}
	}

	selected := matches[0]
	instance, err := selected.factory(ctx, cfg)
	if err != nil {
		return zero, selected.name, fmt.Errorf("failed to create %s provider %q: %w", r.kind, selected.name, err)
	}
	return instance, selected.name, nil
}

// TypeIs builds the common predicate that compares a configured type name
// with want, ignoring case.
func TypeIs[C any](typeOf func(C) string, want string) Predicate[C] {
	return func(cfg C) bool {
		return strings.EqualFold(strings.TrimSpace(typeOf(cfg)), want)
	}
}
