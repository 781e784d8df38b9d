// Package catalog lists the chat models a user may select and the daily
// message quota for each user type. The built-in catalog can be replaced by
// a YAML file, or by a directory of YAML files merged in name order.
package catalog

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"streamchat/internal/domain"
)

const (
	DefaultModelID   = "chat-model"
	ReasoningModelID = "chat-model-reasoning"
)

// Model is a selectable chat model. Provider and UpstreamModel route it to
// a configured provider; empty values use the provider defaults.
type Model struct {
	ID            string `yaml:"id" json:"id"`
	Name          string `yaml:"name" json:"name"`
	Description   string `yaml:"description,omitempty" json:"description,omitempty"`
	Provider      string `yaml:"provider,omitempty" json:"-"`
	UpstreamModel string `yaml:"upstreamModel,omitempty" json:"-"`
}

// Entitlement bounds what a user type may do.
type Entitlement struct {
	MaxMessagesPerDay int      `yaml:"maxMessagesPerDay" json:"maxMessagesPerDay"`
	Models            []string `yaml:"models" json:"models"`
}

type file struct {
	Models       []Model                          `yaml:"models"`
	Entitlements map[domain.UserType]*Entitlement `yaml:"entitlements"`
}

type Catalog struct {
	models       []Model
	byID         map[string]Model
	entitlements map[domain.UserType]Entitlement
}

// Default is the built-in catalog.
func Default() *Catalog {
	all := []string{DefaultModelID, ReasoningModelID}
	c, _ := build(file{
		Models: []Model{
			{ID: DefaultModelID, Name: "Chat model", Description: "Primary model for all-purpose chat"},
			{ID: ReasoningModelID, Name: "Reasoning model", Description: "Uses advanced reasoning"},
		},
		Entitlements: map[domain.UserType]*Entitlement{
			domain.UserGuest:   {MaxMessagesPerDay: 20, Models: all},
			domain.UserRegular: {MaxMessagesPerDay: 100, Models: all},
		},
	})
	return c
}

// Load reads path (a YAML file or a directory of them). An empty or missing
// path yields the built-in catalog.
func Load(path string, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return Default(), nil
	}
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Debug("catalog path does not exist, using built-in models", "path", path)
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat catalog: %w", err)
	}

	files := []string{path}
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("read catalog dir: %w", err)
		}
		files = files[:0]
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
				continue
			}
			files = append(files, filepath.Join(path, name))
		}
		sort.Strings(files)
	}

	var merged file
	for _, p := range files {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read catalog %s: %w", p, err)
		}
		var f file
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse catalog %s: %w", p, err)
		}
		merged.Models = append(merged.Models, f.Models...)
		for t, e := range f.Entitlements {
			if merged.Entitlements == nil {
				merged.Entitlements = make(map[domain.UserType]*Entitlement)
			}
			merged.Entitlements[t] = e
		}
		logger.Info("loaded model catalog", "path", p, "models", len(f.Models))
	}
	return build(merged)
}

func build(f file) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]Model), entitlements: make(map[domain.UserType]Entitlement)}
	for _, m := range f.Models {
		if m.ID == "" {
			return nil, errors.New("catalog model without id")
		}
		if _, dup := c.byID[m.ID]; dup {
			return nil, fmt.Errorf("duplicate catalog model %q", m.ID)
		}
		if m.Name == "" {
			m.Name = m.ID
		}
		c.byID[m.ID] = m
		c.models = append(c.models, m)
	}
	if len(c.models) == 0 {
		return nil, errors.New("catalog has no models")
	}
	for _, t := range []domain.UserType{domain.UserGuest, domain.UserRegular} {
		e, ok := f.Entitlements[t]
		if !ok || e == nil {
			return nil, fmt.Errorf("catalog has no entitlement for %s users", t)
		}
		for _, id := range e.Models {
			if _, known := c.byID[id]; !known {
				return nil, fmt.Errorf("entitlement for %s references unknown model %q", t, id)
			}
		}
		c.entitlements[t] = *e
	}
	return c, nil
}

// Models returns every model in catalog order.
func (c *Catalog) Models() []Model { return slices.Clone(c.models) }

func (c *Catalog) Model(id string) (Model, bool) {
	m, ok := c.byID[id]
	return m, ok
}

// Entitlement returns the limits for t; unknown types get guest limits.
func (c *Catalog) Entitlement(t domain.UserType) Entitlement {
	if e, ok := c.entitlements[t]; ok {
		return e
	}
	return c.entitlements[domain.UserGuest]
}

// Allowed reports whether users of type t may select modelID. An empty
// model list allows every model.
func (c *Catalog) Allowed(t domain.UserType, modelID string) bool {
	if _, ok := c.byID[modelID]; !ok {
		return false
	}
	e := c.Entitlement(t)
	return len(e.Models) == 0 || slices.Contains(e.Models, modelID)
}
