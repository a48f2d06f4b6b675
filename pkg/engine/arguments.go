package engine

import (
	"context"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	"github.com/openfroyo/swirl/pkg/inventory"
	"github.com/openfroyo/swirl/pkg/transports"
)

// Kwargs are global arguments keyed by their snake_case name, e.g. "sudo" or
// "ignore_errors".
type Kwargs map[string]any

// Callback is invoked after an operation finishes on a host.
type Callback func(ctx context.Context, host *inventory.Host, opHash OpHash) error

// GlobalArguments are the cross-cutting options every operation accepts.
type GlobalArguments struct {
	// Privilege & user escalation
	Sudo            bool   `mapstructure:"sudo" json:"sudo,omitempty"`
	SudoUser        string `mapstructure:"sudo_user" json:"sudo_user,omitempty"`
	UseSudoLogin    bool   `mapstructure:"use_sudo_login" json:"use_sudo_login,omitempty"`
	SudoPassword    string `mapstructure:"sudo_password" json:"-"`
	PreserveSudoEnv bool   `mapstructure:"preserve_sudo_env" json:"preserve_sudo_env,omitempty"`
	SuUser          string `mapstructure:"su_user" json:"su_user,omitempty"`
	UseSuLogin      bool   `mapstructure:"use_su_login" json:"use_su_login,omitempty"`
	PreserveSuEnv   bool   `mapstructure:"preserve_su_env" json:"preserve_su_env,omitempty"`
	SuShell         string `mapstructure:"su_shell" json:"su_shell,omitempty"`
	Doas            bool   `mapstructure:"doas" json:"doas,omitempty"`
	DoasUser        string `mapstructure:"doas_user" json:"doas_user,omitempty"`

	// Shell control
	ShellExecutable  string            `mapstructure:"shell_executable" json:"shell_executable,omitempty"`
	Chdir            string            `mapstructure:"chdir" json:"chdir,omitempty"`
	Env              map[string]string `mapstructure:"env" json:"env,omitempty"`
	SuccessExitCodes []int             `mapstructure:"success_exit_codes" json:"success_exit_codes,omitempty"`
	Timeout          time.Duration     `mapstructure:"timeout" json:"timeout,omitempty" validate:"gte=0"`
	GetPty           bool              `mapstructure:"get_pty" json:"get_pty,omitempty"`
	Stdin            string            `mapstructure:"stdin" json:"-"`

	// Operation meta
	Name         string        `mapstructure:"name" json:"name,omitempty"`
	IgnoreErrors bool          `mapstructure:"ignore_errors" json:"ignore_errors,omitempty"`
	Retries      int           `mapstructure:"retries" json:"retries,omitempty" validate:"gte=0"`
	RetryDelay   time.Duration `mapstructure:"retry_delay" json:"retry_delay,omitempty" validate:"gte=0"`
	OnSuccess    Callback      `mapstructure:"-" json:"-"`
	OnError      Callback      `mapstructure:"-" json:"-"`

	// Execution strategy, must be identical for every host of an operation
	Parallel int  `mapstructure:"parallel" json:"parallel,omitempty" validate:"gte=0"`
	RunOnce  bool `mapstructure:"run_once" json:"run_once,omitempty"`
	Serial   bool `mapstructure:"serial" json:"serial,omitempty"`
}

// ExecutionArguments are the global arguments that control scheduling.
type ExecutionArguments struct {
	Parallel int
	RunOnce  bool
	Serial   bool
}

// Execution returns the scheduling subset of the arguments.
func (g GlobalArguments) Execution() ExecutionArguments {
	return ExecutionArguments{Parallel: g.Parallel, RunOnce: g.RunOnce, Serial: g.Serial}
}

// CommandOptions converts the arguments into transport options.
func (g GlobalArguments) CommandOptions() transports.CommandOptions {
	return transports.CommandOptions{
		Sudo:             g.Sudo,
		SudoUser:         g.SudoUser,
		UseSudoLogin:     g.UseSudoLogin,
		SudoPassword:     g.SudoPassword,
		PreserveSudoEnv:  g.PreserveSudoEnv,
		SuUser:           g.SuUser,
		UseSuLogin:       g.UseSuLogin,
		PreserveSuEnv:    g.PreserveSuEnv,
		SuShell:          g.SuShell,
		Doas:             g.Doas,
		DoasUser:         g.DoasUser,
		ShellExecutable:  g.ShellExecutable,
		Chdir:            g.Chdir,
		Env:              g.Env,
		Timeout:          g.Timeout,
		GetPty:           g.GetPty,
		Stdin:            g.Stdin,
		SuccessExitCodes: g.SuccessExitCodes,
	}
}

// FactOptions are the options facts run with: the user switching arguments
// only. Shell features such as chdir or stdin do not apply to facts.
func (g GlobalArguments) FactOptions() transports.CommandOptions {
	return transports.CommandOptions{
		Sudo:            g.Sudo,
		SudoUser:        g.SudoUser,
		UseSudoLogin:    g.UseSudoLogin,
		SudoPassword:    g.SudoPassword,
		PreserveSudoEnv: g.PreserveSudoEnv,
		SuUser:          g.SuUser,
		UseSuLogin:      g.UseSuLogin,
		PreserveSuEnv:   g.PreserveSuEnv,
		SuShell:         g.SuShell,
		Doas:            g.Doas,
		DoasUser:        g.DoasUser,
		ShellExecutable: g.ShellExecutable,
		Timeout:         g.Timeout,
	}
}

const (
	keyOnSuccess = "on_success"
	keyOnError   = "on_error"
	keyEnv       = "env"
)

// globalArgumentKeys lists every accepted key, derived from the struct tags.
var globalArgumentKeys = func() map[string]bool {
	keys := map[string]bool{keyOnSuccess: true, keyOnError: true}
	t := reflect.TypeOf(GlobalArguments{})
	for i := 0; i < t.NumField(); i++ {
		if tag := t.Field(i).Tag.Get("mapstructure"); tag != "" && tag != "-" {
			keys[tag] = true
		}
	}
	return keys
}()

// IsGlobalArgument reports whether key names a global argument.
func IsGlobalArgument(key string) bool {
	return globalArgumentKeys[key]
}

// GlobalArgumentNames returns the accepted keys, sorted.
func GlobalArgumentNames() []string {
	return slices.Sorted(maps.Keys(globalArgumentKeys))
}

var validate = validator.New()

// HostArguments extracts the global arguments set in host data. Only keys
// prefixed with "_" are considered, so "_sudo: true" in group data sets sudo
// for those hosts.
func HostArguments(data map[string]any) Kwargs {
	out := Kwargs{}
	for k, v := range data {
		name, ok := strings.CutPrefix(k, "_")
		if ok && globalArgumentKeys[name] {
			out[name] = v
		}
	}
	return out
}

// ResolveGlobalArguments merges argument layers from lowest to highest
// precedence: config defaults, host data ("_"-prefixed keys), deploy kwargs
// and call kwargs. Env maps are merged key by key rather than replaced.
func ResolveGlobalArguments(defaults Kwargs, hostData map[string]any, deploy, call Kwargs) (GlobalArguments, error) {
	merged := Kwargs{}
	env := map[string]string{}

	layers := []struct {
		name string
		args Kwargs
	}{
		{"config", defaults},
		{"host data", HostArguments(hostData)},
		{"deploy", deploy},
		{"operation", call},
	}

	for _, layer := range layers {
		for k, v := range layer.args {
			if !globalArgumentKeys[k] {
				return GlobalArguments{}, NewUsageError(fmt.Sprintf("unknown global argument %q in %s arguments", k, layer.name), nil)
			}
			if k == keyEnv {
				m, err := toStringMap(v)
				if err != nil {
					return GlobalArguments{}, NewUsageError(fmt.Sprintf("invalid env in %s arguments", layer.name), err)
				}
				maps.Copy(env, m)
				continue
			}
			merged[k] = v
		}
	}

	var out GlobalArguments
	var err error

	if out.OnSuccess, err = toCallback(merged[keyOnSuccess]); err != nil {
		return GlobalArguments{}, NewUsageError("invalid on_success", err)
	}
	if out.OnError, err = toCallback(merged[keyOnError]); err != nil {
		return GlobalArguments{}, NewUsageError("invalid on_error", err)
	}
	delete(merged, keyOnSuccess)
	delete(merged, keyOnError)

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			secondsToDurationHook,
			mapstructure.StringToTimeDurationHookFunc(),
		),
		WeaklyTypedInput: true,
		Result:           &out,
	})
	if err != nil {
		return GlobalArguments{}, fmt.Errorf("failed to create argument decoder: %w", err)
	}
	if err := decoder.Decode(map[string]any(merged)); err != nil {
		return GlobalArguments{}, NewUsageError("invalid global arguments", err)
	}

	if len(env) > 0 {
		out.Env = env
	}

	if err := validate.Struct(out); err != nil {
		return GlobalArguments{}, NewUsageError("invalid global arguments", err).WithCode(ErrCodeValidation)
	}

	return out, nil
}

// secondsToDurationHook lets plain numbers mean seconds, the way timeouts
// are usually written in inventory data.
func secondsToDurationHook(_ reflect.Type, t reflect.Type, data any) (any, error) {
	if t != reflect.TypeOf(time.Duration(0)) {
		return data, nil
	}
	switch v := data.(type) {
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	}
	return data, nil
}

func toStringMap(v any) (map[string]string, error) {
	switch m := v.(type) {
	case nil:
		return nil, nil
	case map[string]string:
		return m, nil
	case map[string]any:
		out := make(map[string]string, len(m))
		for k, val := range m {
			out[k] = fmt.Sprint(val)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a map, got %T", v)
	}
}

func toCallback(v any) (Callback, error) {
	switch fn := v.(type) {
	case nil:
		return nil, nil
	case Callback:
		return fn, nil
	case func(context.Context, *inventory.Host, OpHash) error:
		return fn, nil
	default:
		return nil, fmt.Errorf("expected a callback function, got %T", v)
	}
}

// hashItems renders call-level arguments as sorted "key=value" pairs for the
// op hash. fmt prints map keys sorted. Callbacks contribute their presence only.
func hashItems(kwargs Kwargs) []string {
	items := make([]string, 0, len(kwargs))
	for _, k := range slices.Sorted(maps.Keys(kwargs)) {
		v := kwargs[k]
		if reflect.ValueOf(v).Kind() == reflect.Func {
			items = append(items, k+"=func")
			continue
		}
		items = append(items, fmt.Sprintf("%s=%v", k, v))
	}
	return items
}
