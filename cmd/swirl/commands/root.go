package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/swirl/pkg/config"
	"github.com/openfroyo/swirl/pkg/engine"
	"github.com/openfroyo/swirl/pkg/inventory"
	"github.com/openfroyo/swirl/pkg/operations"
	"github.com/openfroyo/swirl/pkg/telemetry"
)

// ErrHostsFailed is returned when the run completed but at least one
// targeted host ended up failed.
var ErrHostsFailed = errors.New("one or more hosts failed")

type options struct {
	configPath string
	limit      []string
	serial     bool
	noWait     bool
	dryRun     bool
	failPct    float64
	parallel   int
	verbosity  int

	sudo     bool
	sudoUser string
	suUser   string

	debugFacts      bool
	debugOperations bool

	metricsAddress string
	trace          bool
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "swirl <inventory> <operation|fact NAME> [key=value...]",
		Short: "swirl - agentless infrastructure automation",
		Long: `swirl runs operations against hosts over ssh, docker or the local shell.

The inventory is either a YAML inventory file or a comma separated list of
hosts. Operations are named by module, e.g. files.file or server.shell, and
take their arguments as key=value pairs. Global arguments such as sudo=true or
timeout=30 are recognised by name and apply to the operation as a whole.`,
		Example: `  # Run a command on two hosts
  swirl web1,web2 server.shell commands="uptime"

  # Install packages on every host in an inventory, ten at a time
  swirl inventory.yaml server.packages packages=nginx,curl update=true --parallel 10 --sudo

  # Gather a fact
  swirl inventory.yaml fact server.Hostname

  # Print the compiled plan without running it
  swirl inventory.yaml files.directory path=/srv/app --debug-operations`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, version, args)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "config file path")
	flags.StringSliceVar(&opts.limit, "limit", nil, "restrict the run to hosts or groups matching these glob patterns")
	flags.BoolVar(&opts.serial, "serial", false, "run operations host by host")
	flags.BoolVar(&opts.noWait, "no-wait", false, "let each host run its operations without waiting for the others")
	flags.BoolVar(&opts.dryRun, "dry", false, "plan and report without executing commands")
	flags.Float64Var(&opts.failPct, "fail-percent", -1, "abort once more than this percentage of hosts has failed")
	flags.IntVar(&opts.parallel, "parallel", 0, "number of hosts to work on at once, 0 for all")
	flags.CountVarP(&opts.verbosity, "verbose", "v", "increase verbosity (-v, -vv, -vvv)")
	flags.BoolVar(&opts.sudo, "sudo", false, "run operations with sudo")
	flags.StringVar(&opts.sudoUser, "sudo-user", "", "user to sudo to")
	flags.StringVar(&opts.suUser, "su-user", "", "user to su to")
	flags.BoolVar(&opts.debugFacts, "debug-facts", false, "print gathered facts as JSON and exit")
	flags.BoolVar(&opts.debugOperations, "debug-operations", false, "print the compiled operations as JSON and exit")
	flags.StringVar(&opts.metricsAddress, "metrics", "", "serve Prometheus metrics on this address during the run")
	flags.BoolVar(&opts.trace, "trace", false, "print OpenTelemetry spans to stdout")

	return rootCmd
}

func run(cmd *cobra.Command, opts *options, version string, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}

	tel, err := telemetry.NewTelemetry(cfg.Telemetry(version))
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	log.Logger = tel.Logger
	zerolog.SetGlobalLevel(tel.Logger.GetLevel())
	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Msg("telemetry shutdown failed")
		}
	}()
	if err := tel.StartMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	inv, err := inventory.Load(args[0])
	if err != nil {
		return fmt.Errorf("failed to load inventory: %w", err)
	}

	stateOpts := append([]engine.Option{
		engine.WithConfig(cfg.Engine()),
		engine.WithCallbacks(engine.NewLogCallback()),
	}, tel.EngineOptions()...)
	if len(opts.limit) > 0 {
		stateOpts = append(stateOpts, engine.WithLimit(inv.Filter(opts.limit...)))
	}
	state := engine.NewState(inv, stateOpts...)

	ctx = tel.WithContext(tel.Callback.StartRun(ctx, state.RunID), state.RunID)
	runErr := execute(ctx, out, state, opts, args[1:])
	tel.Callback.EndRun(runErr)
	if runErr != nil {
		return runErr
	}
	if !state.Success() {
		return ErrHostsFailed
	}
	return nil
}

// loadConfig reads the configuration file and applies the flags the user set
// on top of it.
func loadConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("fail-percent") {
		cfg.FailPercent = &opts.failPct
	}
	if flags.Changed("parallel") {
		cfg.Parallel = opts.parallel
	}
	if flags.Changed("sudo") {
		cfg.Sudo = opts.sudo
	}
	if opts.sudoUser != "" {
		cfg.SudoUser = opts.sudoUser
	}
	if opts.suUser != "" {
		cfg.SuUser = opts.suUser
	}

	switch {
	case opts.verbosity >= 2:
		cfg.Logging.Level = "trace"
	case opts.verbosity == 1:
		cfg.Logging.Level = "debug"
	}

	if opts.metricsAddress != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.ListenAddress = opts.metricsAddress
	}
	if opts.trace {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = "stdout"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// execute connects, compiles and runs the requested operation or fact.
func execute(ctx context.Context, out io.Writer, state *engine.State, opts *options, target []string) error {
	if err := state.Connect(ctx); err != nil {
		return err
	}
	defer state.Disconnect()

	if target[0] == "fact" {
		if len(target) < 2 {
			return fmt.Errorf("fact requires a fact name")
		}
		return gatherFact(ctx, out, state, target[1], target[2:])
	}

	op, err := operations.Builtins().Lookup(target[0])
	if err != nil {
		return fmt.Errorf("%w (available: %s)", err, strings.Join(operations.Builtins().Names(), ", "))
	}

	args, kwargs, err := parseArgs(target[1:])
	if err != nil {
		return err
	}

	if _, err := state.AddOperation(ctx, op, args, kwargs); err != nil {
		return err
	}

	if opts.debugOperations || opts.debugFacts {
		return printDebug(out, state, opts)
	}

	err = state.Run(ctx, engine.RunOptions{
		Serial: opts.serial,
		NoWait: opts.noWait,
		DryRun: opts.dryRun,
	})
	printSummary(out, state.Summary())
	return err
}

func printDebug(out io.Writer, state *engine.State, opts *options) error {
	if opts.debugFacts {
		b, err := state.DebugFacts()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(b))
	}
	if opts.debugOperations {
		b, err := state.DebugOperations()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(b))
	}
	return nil
}
