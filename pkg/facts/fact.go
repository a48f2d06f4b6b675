// Package facts gathers typed, cached information about hosts by running
// read-only commands over their transports.
package facts

import "fmt"

// Args are the arguments a fact is called with, such as a path. They are part
// of the cache key and must be JSON encodable.
type Args map[string]any

// String returns a string argument, or "" when missing.
func (a Args) String(key string) string {
	if s, ok := a[key].(string); ok {
		return s
	}
	return ""
}

// Fact is the type-erased view of a Descriptor used by the gatherer and the
// registry.
type Fact interface {
	// FactName is the registry name, e.g. "files.File".
	FactName() string

	// RenderCommand builds the shell command for args.
	RenderCommand(args Args) string

	// RequiredCommand names a binary that must exist for the fact to run.
	RequiredCommand() string

	// DefaultValue is returned when there is no output.
	DefaultValue() any

	// ProcessLines parses command output. It must be pure.
	ProcessLines(args Args, lines []string) (any, error)

	// DefaultOnError reports whether a failing command yields the default.
	DefaultOnError() bool

	// ShellExecutable overrides the shell the command runs in.
	ShellExecutable() string
}

// Descriptor declares a fact returning values of type T.
type Descriptor[T any] struct {
	Name string

	// Command renders the shell command for the given args.
	Command func(args Args) string

	// RequiresCommand, when set, short-circuits to Default if the binary is
	// missing on the host.
	RequiresCommand string

	// Default builds the value used when output is empty. Nil means the zero T.
	Default func() T

	// Process turns stdout lines into a value.
	Process func(args Args, lines []string) (T, error)

	// UseDefaultOnError returns Default instead of an error on non-zero exit.
	UseDefaultOnError bool

	// Shell overrides the shell executable, e.g. "bash".
	Shell string
}

func (d *Descriptor[T]) FactName() string {
	return d.Name
}

func (d *Descriptor[T]) RenderCommand(args Args) string {
	return d.Command(args)
}

func (d *Descriptor[T]) RequiredCommand() string {
	return d.RequiresCommand
}

func (d *Descriptor[T]) DefaultValue() any {
	return d.defaultT()
}

func (d *Descriptor[T]) defaultT() T {
	if d.Default == nil {
		var zero T
		return zero
	}
	return d.Default()
}

func (d *Descriptor[T]) ProcessLines(args Args, lines []string) (any, error) {
	if d.Process == nil {
		v, ok := any(lines).(T)
		if !ok {
			return d.defaultT(), fmt.Errorf("fact %s has no Process func", d.Name)
		}
		return v, nil
	}
	return d.Process(args, lines)
}

func (d *Descriptor[T]) DefaultOnError() bool {
	return d.UseDefaultOnError
}

func (d *Descriptor[T]) ShellExecutable() string {
	return d.Shell
}

// Static returns a Command func for facts that take no arguments.
func Static(command string) func(Args) string {
	return func(Args) string { return command }
}
