package transports

import (
	"bufio"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/alessio/shellescape"
)

// DefaultShell is the shell used to wrap commands when none is configured.
const DefaultShell = "sh"

// MakeUnixCommand wraps command with the environment, working directory and
// privilege escalation described by opts. The result is a single string
// suitable for "sh -c" style execution on a POSIX host.
func MakeUnixCommand(command string, opts CommandOptions) string {
	if len(opts.Env) > 0 {
		keys := slices.Sorted(maps.Keys(opts.Env))
		exports := make([]string, 0, len(keys))
		for _, k := range keys {
			exports = append(exports, shellescape.Quote(fmt.Sprintf("%s=%s", k, opts.Env[k])))
		}
		command = fmt.Sprintf("export %s && %s", strings.Join(exports, " "), command)
	}

	if opts.Chdir != "" {
		command = fmt.Sprintf("cd %s && %s", shellescape.Quote(opts.Chdir), command)
	}

	shell := opts.ShellExecutable
	if shell == "" {
		shell = DefaultShell
	}

	var bits []string

	if opts.Doas {
		bits = append(bits, "doas", "-n")
		if opts.DoasUser != "" {
			bits = append(bits, "-u", opts.DoasUser)
		}
	}

	if opts.Sudo {
		bits = append(bits, "sudo", "-H")
		if opts.SudoPassword != "" {
			// password arrives on stdin; -k disables the credential cache
			bits = append(bits, "-S", "-k", "-p", "''")
		} else {
			bits = append(bits, "-n")
		}
		if opts.UseSudoLogin {
			bits = append(bits, "-i")
		}
		if opts.PreserveSudoEnv {
			bits = append(bits, "-E")
		}
		if opts.SudoUser != "" {
			bits = append(bits, "-u", opts.SudoUser)
		}
	}

	if opts.SuUser != "" {
		bits = append(bits, "su")
		if opts.UseSuLogin {
			bits = append(bits, "-l")
		}
		if opts.PreserveSuEnv {
			bits = append(bits, "-m")
		}
		if opts.SuShell != "" {
			bits = append(bits, "-s", fmt.Sprintf("`which %s`", opts.SuShell))
		}
		bits = append(bits, opts.SuUser, "-c")

		// BSD su has no shell option, so the shell invocation itself is quoted
		if shell != "-" {
			bits = append(bits, shellescape.Quote(fmt.Sprintf("%s -c %s", shell, shellescape.Quote(command))))
		} else {
			bits = append(bits, shellescape.Quote(command))
		}
	} else if shell != "-" {
		bits = append(bits, shell, "-c", shellescape.Quote(command))
	} else {
		bits = append(bits, command)
	}

	return strings.Join(bits, " ")
}

// StdinFor returns the data to write to a command's stdin, with the sudo
// password first when one is configured.
func StdinFor(opts CommandOptions) string {
	if opts.Sudo && opts.SudoPassword != "" {
		return opts.SudoPassword + "\n" + opts.Stdin
	}
	return opts.Stdin
}

// SplitLines splits command output into lines, dropping the trailing empty line.
func SplitLines(output string) []string {
	if output == "" {
		return nil
	}
	lines := make([]string, 0, 8)
	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		lines = append(lines, strings.TrimRight(scanner.Text(), "\r"))
	}
	return lines
}
