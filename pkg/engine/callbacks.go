package engine

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/swirl/pkg/inventory"
)

// StateCallback observes a run. Methods are called from worker goroutines
// and must be safe for concurrent use. Panics are recovered and logged.
type StateCallback interface {
	HostConnect(state *State, host *inventory.Host)
	HostConnectError(state *State, host *inventory.Host, err error)
	OperationStart(state *State, hash OpHash)
	OperationHostStart(state *State, host *inventory.Host, hash OpHash)
	OperationHostSuccess(state *State, host *inventory.Host, hash OpHash, result OpResult)
	OperationHostError(state *State, host *inventory.Host, hash OpHash, result OpResult)
	OperationEnd(state *State, hash OpHash)
	HostDisconnect(state *State, host *inventory.Host)
}

// OpResult is the outcome of one operation on one host.
type OpResult struct {
	Status   OpStatus
	Commands int
	Duration time.Duration
	Err      error
}

// BaseCallback implements StateCallback with no-ops, for embedding.
type BaseCallback struct{}

func (BaseCallback) HostConnect(*State, *inventory.Host) {}
func (BaseCallback) HostConnectError(*State, *inventory.Host, error) {}
func (BaseCallback) OperationStart(*State, OpHash) {}
func (BaseCallback) OperationHostStart(*State, *inventory.Host, OpHash) {}
func (BaseCallback) OperationHostSuccess(*State, *inventory.Host, OpHash, OpResult) {}
func (BaseCallback) OperationHostError(*State, *inventory.Host, OpHash, OpResult) {}
func (BaseCallback) OperationEnd(*State, OpHash) {}
func (BaseCallback) HostDisconnect(*State, *inventory.Host) {}

// LogCallback reports run progress through zerolog.
type LogCallback struct {
	Logger zerolog.Logger
}

// NewLogCallback creates a LogCallback writing to the global logger.
func NewLogCallback() *LogCallback {
	return &LogCallback{Logger: log.Logger}
}

func (c *LogCallback) HostConnect(_ *State, host *inventory.Host) {
	c.Logger.Info().Str("host", host.Name()).Msg("connected")
}

func (c *LogCallback) HostConnectError(_ *State, host *inventory.Host, err error) {
	c.Logger.Error().Err(err).Str("host", host.Name()).Msg("could not connect")
}

func (c *LogCallback) OperationStart(state *State, hash OpHash) {
	meta, _ := state.OpMeta(hash)
	event := c.Logger.Info().Str("op", meta.DisplayName())
	if meta.Execution.Serial {
		event = event.Bool("serial", true)
	}
	if meta.Execution.RunOnce {
		event = event.Bool("run_once", true)
	}
	event.Msg("starting operation")
}

func (c *LogCallback) OperationHostStart(state *State, host *inventory.Host, hash OpHash) {
	c.Logger.Debug().Str("host", host.Name()).Str("op_hash", string(hash)).Msg("starting operation on host")
}

func (c *LogCallback) OperationHostSuccess(_ *State, host *inventory.Host, _ OpHash, result OpResult) {
	msg := "success"
	switch result.Status {
	case StatusNoChange:
		msg = "no changes"
	case StatusSkipped:
		msg = "skipped"
	}
	c.Logger.Info().
		Str("host", host.Name()).
		Int("commands", result.Commands).
		Dur("duration", result.Duration).
		Msg(msg)
}

func (c *LogCallback) OperationHostError(_ *State, host *inventory.Host, _ OpHash, result OpResult) {
	if result.Status == StatusFailedIgnored {
		c.Logger.Warn().Err(result.Err).Str("host", host.Name()).Msg("error (ignored)")
		return
	}
	c.Logger.Error().Err(result.Err).Str("host", host.Name()).Msg("error")
}

func (c *LogCallback) OperationEnd(state *State, hash OpHash) {
	meta, _ := state.OpMeta(hash)
	c.Logger.Debug().Str("op", meta.DisplayName()).Msg("operation complete")
}

func (c *LogCallback) HostDisconnect(_ *State, host *inventory.Host) {
	c.Logger.Debug().Str("host", host.Name()).Msg("disconnected")
}

// notify calls fn for every registered callback, containing panics.
func (s *State) notify(event string, fn func(cb StateCallback)) {
	for _, cb := range s.callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Str("callback", fmt.Sprintf("%T", cb)).
						Str("event", event).
						Interface("panic", r).
						Msg("state callback panicked")
				}
			}()
			fn(cb)
		}()
	}
}

// CommandCallback is an optional extension of StateCallback notified after
// every command attempt sequence.
type CommandCallback interface {
	CommandComplete(state *State, host *inventory.Host, hash OpHash, cmd Command, duration time.Duration, err error)
}

func (s *State) notifyCommand(host *inventory.Host, hash OpHash, cmd Command, duration time.Duration, err error) {
	s.notify("command_complete", func(cb StateCallback) {
		if cc, ok := cb.(CommandCallback); ok {
			cc.CommandComplete(s, host, hash, cmd, duration, err)
		}
	})
}
