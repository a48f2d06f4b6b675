package operations

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/alessio/shellescape"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/swirl/pkg/engine"
	"github.com/openfroyo/swirl/pkg/facts"
	"github.com/openfroyo/swirl/pkg/inventory"
)

// Shell runs shell commands as given. It always reports a change.
//
// Args: commands (a string or a list of strings).
var Shell = &engine.Operation{
	Name: "server.shell",
	Func: func(_ *engine.OpContext, args engine.Args) ([]engine.Command, error) {
		var commands []string
		switch v := args["commands"].(type) {
		case string:
			commands = []string{v}
		case []string:
			commands = v
		case []any:
			for _, c := range v {
				commands = append(commands, fmt.Sprint(c))
			}
		case bool, int, float64:
			// key=value input types bare words such as "true"
			commands = []string{fmt.Sprint(v)}
		case nil:
			return nil, fmt.Errorf("invalid arguments: commands is required")
		default:
			return nil, fmt.Errorf("invalid arguments: commands must be a string or a list, got %T", v)
		}

		out := make([]engine.Command, 0, len(commands))
		for _, c := range commands {
			out = append(out, engine.ShellCommand{Command: c})
		}
		return out, nil
	},
}

type waitArgs struct {
	Duration time.Duration `mapstructure:"duration" validate:"gt=0"`
}

// Wait pauses the host's execution locally, e.g. to let a restarted service
// settle. It honours the operation timeout and cancellation.
//
// Args: duration (e.g. "5s").
var Wait = &engine.Operation{
	Name: "server.wait",
	Func: func(_ *engine.OpContext, args engine.Args) ([]engine.Command, error) {
		var a waitArgs
		if err := decode(args, &a); err != nil {
			return nil, err
		}
		return []engine.Command{engine.FunctionCommand{
			Name: fmt.Sprintf("wait %s", a.Duration),
			Func: func(ctx context.Context, host *inventory.Host) error {
				log.Debug().Str("host", host.Name()).Dur("duration", a.Duration).Msg("waiting")
				select {
				case <-time.After(a.Duration):
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
		}}, nil
	},
}

// packageManager describes how to drive one package manager.
type packageManager struct {
	binary  string
	facts   *facts.Descriptor[map[string]string]
	install string
	upgrade string
	remove  string
	update  string
}

var packageManagers = map[string]packageManager{
	"apt": {
		binary:  "apt-get",
		facts:   facts.DebPackages,
		install: "DEBIAN_FRONTEND=noninteractive apt-get install -y",
		upgrade: "DEBIAN_FRONTEND=noninteractive apt-get install -y --only-upgrade",
		remove:  "DEBIAN_FRONTEND=noninteractive apt-get remove -y",
		update:  "apt-get update",
	},
	"dnf": {
		binary:  "dnf",
		facts:   facts.RpmPackages,
		install: "dnf install -y",
		upgrade: "dnf upgrade -y",
		remove:  "dnf remove -y",
		update:  "dnf makecache",
	},
	"yum": {
		binary:  "yum",
		facts:   facts.RpmPackages,
		install: "yum install -y",
		upgrade: "yum update -y",
		remove:  "yum remove -y",
		update:  "yum makecache",
	},
	"zypper": {
		binary:  "zypper",
		facts:   facts.RpmPackages,
		install: "zypper --non-interactive install -y",
		upgrade: "zypper --non-interactive update -y",
		remove:  "zypper --non-interactive remove -y",
		update:  "zypper --non-interactive refresh",
	},
}

// detection order when no manager is given
var managerOrder = []string{"apt", "dnf", "yum", "zypper"}

type packagesArgs struct {
	Packages []string `mapstructure:"packages" validate:"required,min=1,dive,required"`
	Present  *bool    `mapstructure:"present"`
	Latest   bool     `mapstructure:"latest"`
	Update   bool     `mapstructure:"update"`
	Manager  string   `mapstructure:"manager" validate:"omitempty,oneof=apt dnf yum zypper"`
}

// Packages installs, upgrades or removes system packages with apt, dnf, yum
// or zypper. The manager is detected from the host unless given.
//
// Args: packages, present (default true), latest, update, manager.
var Packages = &engine.Operation{
	Name: "server.packages",
	Func: func(c *engine.OpContext, args engine.Args) ([]engine.Command, error) {
		var a packagesArgs
		if err := decode(args, &a); err != nil {
			return nil, err
		}
		present := a.Present == nil || *a.Present
		if !present && a.Latest {
			return nil, fmt.Errorf("invalid arguments: latest cannot be used with present=false")
		}

		name, err := detectManager(c, a.Manager)
		if err != nil {
			return nil, err
		}
		pm := packageManagers[name]

		installed, err := engine.FactOf(c, pm.facts, nil)
		if err != nil {
			return nil, err
		}

		var toInstall, toUpgrade, toRemove []string
		for _, pkg := range a.Packages {
			_, ok := installed[pkg]
			switch {
			case present && !ok:
				toInstall = append(toInstall, pkg)
			case present && a.Latest:
				toUpgrade = append(toUpgrade, pkg)
			case !present && ok:
				toRemove = append(toRemove, pkg)
			}
		}

		var cmds []engine.Command
		if a.Update {
			cmds = append(cmds, engine.ShellCommand{Command: pm.update})
		}
		if len(toInstall) > 0 {
			cmds = append(cmds, engine.Shell("%s %s", pm.install, quoteAll(toInstall)))
		}
		if len(toUpgrade) > 0 {
			cmds = append(cmds, engine.Shell("%s %s", pm.upgrade, quoteAll(toUpgrade)))
		}
		if len(toRemove) > 0 {
			cmds = append(cmds, engine.Shell("%s %s", pm.remove, quoteAll(toRemove)))
		}

		if len(toInstall)+len(toRemove) > 0 {
			// versions are unknown until the next run
			next := maps.Clone(installed)
			if next == nil {
				next = make(map[string]string)
			}
			for _, pkg := range toInstall {
				next[pkg] = ""
			}
			for _, pkg := range toRemove {
				delete(next, pkg)
			}
			c.StoreFact(pm.facts, nil, next)
		}

		return cmds, nil
	},
}

func detectManager(c *engine.OpContext, requested string) (string, error) {
	if requested != "" {
		return requested, nil
	}
	for _, name := range managerOrder {
		path, err := engine.FactOf(c, facts.Which, facts.Args{"command": packageManagers[name].binary})
		if err != nil {
			return "", err
		}
		if path != "" {
			return name, nil
		}
	}
	return "", fmt.Errorf("no supported package manager found on %s", c.Host().Name())
}

func quoteAll(words []string) string {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = shellescape.Quote(w)
	}
	return strings.Join(quoted, " ")
}
