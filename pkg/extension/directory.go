package extension

import (
	"context"
	"fmt"
	"os"
	"plugin"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Module is a resolved extension module. *plugin.Plugin satisfies it.
type Module interface {
	Lookup(symName string) (plugin.Symbol, error)
}

// Opener opens a module from a path on disk.
type Opener func(path string) (Module, error)

// LoadOptions carries the per-instance settings passed to the factory.
type LoadOptions struct {
	Name      string
	Options   map[string]any
	OutputDir string
	TestFile  string
}

// Directory resolves module references into ready-to-use extensions.
type Directory interface {
	// Register adds a built-in module that resolves by name.
	Register(name string, factory Factory) error
	// Modules returns the names of the registered built-in modules.
	Modules() []string
	// Load resolves modulePath, instantiates the extension it provides and
	// validates that it fills the requested role.
	Load(ctx context.Context, modulePath string, role Role, opts LoadOptions) (Extension, error)
}

// Option configures a Directory.
type Option func(*directory)

// WithOpener replaces the function used to open on-disk modules.
func WithOpener(open Opener) Option {
	return func(d *directory) {
		d.open = open
	}
}

// NewDirectory creates a new extension directory.
func NewDirectory(log logrus.FieldLogger, opts ...Option) Directory {
	d := &directory{
		log:      log.WithField("component", "extensions"),
		builtins: make(map[string]Factory, 8),
		open:     openPlugin,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

type directory struct {
	log      logrus.FieldLogger
	mu       sync.RWMutex
	builtins map[string]Factory
	open     Opener
}

// Ensure interface compliance.
var _ Directory = (*directory)(nil)

func (d *directory) Register(name string, factory Factory) error {
	name = strings.TrimSpace(name)
	if name == "" || factory == nil {
		return fmt.Errorf("registering module %q: %w", name, ErrInvalidArgument)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.builtins[name]; exists {
		return fmt.Errorf("module %q already registered", name)
	}

	d.builtins[name] = factory

	return nil
}

func (d *directory) Modules() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.builtins))
	for name := range d.builtins {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

func (d *directory) Load(
	ctx context.Context,
	modulePath string,
	role Role,
	opts LoadOptions,
) (Extension, error) {
	modulePath = strings.TrimSpace(modulePath)
	if modulePath == "" {
		return nil, fmt.Errorf("module path is blank: %w", ErrInvalidArgument)
	}

	if strings.TrimSpace(string(role)) == "" {
		return nil, fmt.Errorf("role is empty: %w", ErrInvalidArgument)
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("loading %s: %w", modulePath, err)
	}

	log := d.log.WithFields(logrus.Fields{
		"module": modulePath,
		"role":   role,
	})

	module, err := d.resolve(modulePath)
	if err != nil {
		return nil, err
	}

	factory, err := factoryFrom(module)
	if err != nil {
		return nil, fmt.Errorf("inspecting %s: %w", modulePath, err)
	}

	options := make(map[string]any, len(opts.Options))
	for k, v := range opts.Options {
		options[k] = v
	}

	name := opts.Name
	if name == "" {
		name = modulePath
	}

	ext, err := factory(FactoryContext{
		Role:       role,
		ModulePath: modulePath,
		Name:       name,
		Options:    options,
		Log:        log,
		OutputDir:  opts.OutputDir,
		TestFile:   opts.TestFile,
	})
	if err != nil {
		return nil, fmt.Errorf("instantiating %s: %w", modulePath, err)
	}

	if ext == nil {
		return nil, fmt.Errorf("instantiating %s: factory returned nil: %w",
			modulePath, ErrNoFactoryFound)
	}

	if ext.Role() != role {
		return nil, &RoleMismatchError{
			Expected: role,
			Actual:   ext.Role(),
			Module:   modulePath,
		}
	}

	log.WithField("name", ext.Name()).Debug("Loaded extension")

	return ext, nil
}

// resolve maps a module reference to a module. Built-in names win over paths.
func (d *directory) resolve(modulePath string) (Module, error) {
	d.mu.RLock()
	factory, ok := d.builtins[modulePath]
	d.mu.RUnlock()

	if ok {
		return staticModule{factory: factory}, nil
	}

	info, err := os.Stat(modulePath)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w: %w", modulePath, ErrModuleNotFound, err)
	}

	if info.IsDir() {
		return nil, fmt.Errorf("resolving %s: is a directory: %w", modulePath, ErrModuleNotFound)
	}

	module, err := d.open(modulePath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w: %w", modulePath, ErrModuleNotFound, err)
	}

	return module, nil
}

func factoryFrom(module Module) (Factory, error) {
	sym, err := module.Lookup(FactorySymbol)
	if err != nil {
		return nil, fmt.Errorf("looking up %s: %w: %w", FactorySymbol, ErrNoFactoryFound, err)
	}

	switch f := sym.(type) {
	case Factory:
		return f, nil
	case func(FactoryContext) (Extension, error):
		return f, nil
	case *Factory:
		if f != nil && *f != nil {
			return *f, nil
		}
	}

	return nil, fmt.Errorf("symbol %s has type %T: %w", FactorySymbol, sym, ErrNoFactoryFound)
}

func openPlugin(path string) (Module, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, err
	}

	return p, nil
}

// staticModule exposes a built-in factory through the Module interface.
type staticModule struct {
	factory Factory
}

func (m staticModule) Lookup(symName string) (plugin.Symbol, error) {
	if symName != FactorySymbol {
		return nil, fmt.Errorf("symbol %s not found", symName)
	}

	return m.factory, nil
}
