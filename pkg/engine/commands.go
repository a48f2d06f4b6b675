package engine

import (
	"context"
	"fmt"

	"github.com/openfroyo/swirl/pkg/inventory"
)

// Command is one step an operation emits for a host. Commands for an
// operation run strictly in order.
type Command interface {
	// String renders the command for display and comparison.
	String() string
}

// ShellCommand runs a shell string through the host's transport.
type ShellCommand struct {
	Command string
}

func (c ShellCommand) String() string {
	return c.Command
}

// UploadCommand copies a local file to the host.
type UploadCommand struct {
	Src  string
	Dest string
}

func (c UploadCommand) String() string {
	return fmt.Sprintf("upload %s -> %s", c.Src, c.Dest)
}

// DownloadCommand copies a file from the host to the local machine.
type DownloadCommand struct {
	Src  string
	Dest string
}

func (c DownloadCommand) String() string {
	return fmt.Sprintf("download %s -> %s", c.Src, c.Dest)
}

// FunctionCommand runs a Go function inline during execution. It never
// touches the transport unless Func does.
type FunctionCommand struct {
	Name string
	Func func(ctx context.Context, host *inventory.Host) error
}

func (c FunctionCommand) String() string {
	return "function " + c.Name
}

// Shell is shorthand for building shell commands.
func Shell(format string, a ...any) ShellCommand {
	if len(a) == 0 {
		return ShellCommand{Command: format}
	}
	return ShellCommand{Command: fmt.Sprintf(format, a...)}
}

// CommandStrings renders a command list, e.g. for tests and debug output.
func CommandStrings(commands []Command) []string {
	out := make([]string, len(commands))
	for i, c := range commands {
		out[i] = c.String()
	}
	return out
}
