// Package plugin collects command specs from compiled-in modules and from
// Lua scripts found under the plugin search paths.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/keshon/parley/internal/command"
	"github.com/keshon/parley/internal/version"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

// Module is a compiled-in plugin. Register is called once per load and
// returns the commands the module provides.
type Module interface {
	Name() string
	Register() ([]command.Spec, error)
}

// LoadError reports one plugin that could not be loaded. Other plugins are
// unaffected.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load plugin %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

const (
	scriptExt          = ".lua"
	defaultLoadTimeout = 5 * time.Second
)

type Options struct {
	// Roots are searched recursively for scripts.
	Roots []string
	// Disabled holds module names to skip ("media", "fun/fortune").
	Disabled []string
	// APIVersion is what scripts' "api" constraints are checked against.
	APIVersion string
	// LoadTimeout bounds running one script and its register().
	LoadTimeout time.Duration
}

type Loader struct {
	modules  []Module
	roots    []string
	disabled map[string]bool
	api      *semver.Version
	timeout  time.Duration
}

func NewLoader(opts Options, modules ...Module) (*Loader, error) {
	apiVersion := opts.APIVersion
	if apiVersion == "" {
		apiVersion = version.PluginAPI
	}
	api, err := semver.NewVersion(apiVersion)
	if err != nil {
		return nil, fmt.Errorf("plugin api version %q: %w", apiVersion, err)
	}
	return &Loader{
		modules: modules,
		roots:   opts.Roots,
		disabled: lo.SliceToMap(opts.Disabled, func(s string) (string, bool) {
			return strings.ToLower(strings.TrimSpace(s)), true
		}),
		api:     api,
		timeout: lo.Ternary(opts.LoadTimeout > 0, opts.LoadTimeout, defaultLoadTimeout),
	}, nil
}

// Modules returns the compiled-in modules.
func (l *Loader) Modules() []Module { return l.modules }

// Roots returns the script search paths.
func (l *Loader) Roots() []string { return l.roots }

func (l *Loader) isDisabled(name string) bool {
	return l.disabled[strings.ToLower(name)]
}

// Build loads everything into a fresh registry.
func (l *Loader) Build() (*command.Registry, []error) {
	reg := command.NewRegistry()
	errs := l.Load(reg)
	return reg, errs
}

// Load registers the compiled-in modules first, then every script under the
// roots. Failures are collected per module or file; loading goes on.
func (l *Loader) Load(reg *command.Registry) []error {
	var errs []error

	for _, m := range l.modules {
		if l.isDisabled(m.Name()) {
			log.Info().Str("module", m.Name()).Msg("module disabled")
			continue
		}
		specs, err := m.Register()
		if err != nil {
			errs = append(errs, &LoadError{Path: "module:" + m.Name(), Err: err})
			continue
		}
		errs = append(errs, l.register(reg, "module:"+m.Name(), m.Name(), specs)...)
	}

	for _, root := range l.roots {
		specs, derrs := l.Discover(root)
		errs = append(errs, derrs...)
		// register per source so a duplicate is blamed on its file
		bySource := lo.GroupBy(specs, func(s command.Spec) string { return s.Source })
		sources := lo.Keys(bySource)
		sort.Strings(sources)
		for _, src := range sources {
			errs = append(errs, l.register(reg, src, "", bySource[src])...)
		}
	}

	log.Info().Int("commands", reg.Len()).Int("errors", len(errs)).Msg("plugins loaded")
	return errs
}

func (l *Loader) register(reg *command.Registry, path, module string, specs []command.Spec) []error {
	var errs []error
	for _, spec := range specs {
		if spec.Module == "" {
			spec.Module = module
		}
		if spec.Source == "" {
			spec.Source = path
		}
		if err := reg.Register(spec); err != nil {
			errs = append(errs, &LoadError{Path: path, Err: err})
			continue
		}
		log.Debug().Str("command", spec.Name).Str("module", spec.Module).Str("source", spec.Source).Msg("command registered")
	}
	return errs
}

// Discover walks root recursively and loads every script. Hidden directories
// are skipped. A root that does not exist yields nothing.
func (l *Loader) Discover(root string) ([]command.Spec, []error) {
	var (
		specs []command.Spec
		errs  []error
	)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root && errors.Is(err, fs.ErrNotExist) {
				log.Debug().Str("root", root).Msg("plugin path does not exist")
				return filepath.SkipDir
			}
			errs = append(errs, &LoadError{Path: path, Err: err})
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.EqualFold(filepath.Ext(path), scriptExt) || strings.HasPrefix(d.Name(), ".") {
			return nil
		}

		module := moduleName(root, path)
		if l.isDisabled(module) {
			log.Info().Str("module", module).Msg("script disabled")
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
		loaded, err := loadScript(ctx, path, module, l.api)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("script not loaded")
			errs = append(errs, &LoadError{Path: path, Err: err})
			return nil
		}
		specs = append(specs, loaded...)
		return nil
	})
	if err != nil {
		errs = append(errs, &LoadError{Path: root, Err: err})
	}
	return specs, errs
}

// moduleName is the script path relative to root without extension,
// slash separated: "fun/fortune".
func moduleName(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	return filepath.ToSlash(strings.TrimSuffix(rel, filepath.Ext(rel)))
}
