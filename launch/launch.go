// Package launch runs the application start-up sequence around the patch
// engine: register plugins, initialise the map service with its
// credential, then hand off to the default handler. The credential only
// ever comes from configuration.
package launch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrMissingMapsKey is returned when no map service credential is configured.
var ErrMissingMapsKey = errors.New("launch: maps API key is not configured")

// Plugin is registered once at start-up.
type Plugin interface {
	Name() string
	Register(ctx context.Context) error
}

// MapService is the third-party mapping SDK entry point.
type MapService interface {
	ProvideAPIKey(key string) error
}

// Config holds the values the sequence needs.
type Config struct {
	MapsAPIKey string
}

// Sequence is the ordered start-up: Plugins, then Maps, then Next.
type Sequence struct {
	Plugins []Plugin
	Maps    MapService
	// Next is the default start-up handler, run last.
	Next   func(ctx context.Context) error
	Logger *slog.Logger
}

// Run executes the sequence. The configuration is checked before any
// plugin runs, so a missing key leaves every collaborator untouched.
func (s *Sequence) Run(ctx context.Context, cfg Config) error {
	log := s.Logger
	if log == nil {
		log = slog.Default()
	}
	if s.Maps != nil && cfg.MapsAPIKey == "" {
		return ErrMissingMapsKey
	}

	for _, p := range s.Plugins {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.Register(ctx); err != nil {
			return fmt.Errorf("launch: register plugin %s: %w", p.Name(), err)
		}
		log.Debug("launch: plugin registered", "plugin", p.Name())
	}

	if s.Maps != nil {
		if err := s.Maps.ProvideAPIKey(cfg.MapsAPIKey); err != nil {
			return fmt.Errorf("launch: maps init: %w", err)
		}
		log.Info("launch: maps service initialised")
	}

	if s.Next == nil {
		return nil
	}
	return s.Next(ctx)
}

// PluginFunc adapts a function to Plugin.
type PluginFunc struct {
	ID string
	Fn func(ctx context.Context) error
}

func (p PluginFunc) Name() string { return p.ID }

func (p PluginFunc) Register(ctx context.Context) error {
	if p.Fn == nil {
		return nil
	}
	return p.Fn(ctx)
}
