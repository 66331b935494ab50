// Package stages provides the built-in extension modules.
package stages

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethpandaops/testcontroller/pkg/extension"
	"github.com/mitchellh/mapstructure"
)

// Built-in module names.
const (
	ModuleNull     = "null"
	ModuleLines    = "lines"
	ModuleProcess  = "process"
	ModuleCommand  = "command"
	ModuleConsole  = "console"
	ModuleJSON     = "json"
	ModuleS3       = "s3"
	ModuleMetrics  = "metrics"
	ModuleDatabase = "database"
)

// Builtins maps every built-in module name to its factory.
var Builtins = map[string]extension.Factory{
	ModuleNull:     NewNull,
	ModuleLines:    NewLinesReader,
	ModuleProcess:  NewProcessExecutor,
	ModuleCommand:  NewCommand,
	ModuleConsole:  NewConsoleReporter,
	ModuleJSON:     NewJSONReporter,
	ModuleS3:       NewS3Reporter,
	ModuleMetrics:  NewMetricsReporter,
	ModuleDatabase: NewDatabaseReporter,
}

// Register adds every built-in module to the directory.
func Register(dir extension.Directory) error {
	for name, factory := range Builtins {
		if err := dir.Register(name, factory); err != nil {
			return fmt.Errorf("registering %s: %w", name, err)
		}
	}

	return nil
}

// decodeOptions decodes extension options into out. Unknown keys are
// rejected so typos surface at startup.
func decodeOptions(options map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return fmt.Errorf("creating options decoder: %w", err)
	}

	if err := dec.Decode(options); err != nil {
		return fmt.Errorf("decoding options: %w", err)
	}

	return nil
}

// splitArgs lets "args" be given either as a list or as one string.
func splitArgs(options map[string]any) map[string]any {
	if s, ok := options["args"].(string); ok {
		options["args"] = strings.Fields(s)
	}

	return options
}

// base carries the identity shared by every built-in stage.
type base struct {
	name string
	role extension.Role
}

func (b *base) Name() string { return b.name }

func (b *base) Role() extension.Role { return b.role }

var errTemplateExecuted = errors.New("executor template cannot run directly, clone it per machine")
