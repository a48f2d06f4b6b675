// Package engine compiles operations into per-host command lists and executes
// them across an inventory.
//
// # Overview
//
// A run moves through four phases:
//
//  1. Connect - Open a transport to every targeted host (State.Connect)
//  2. Compile - Call each operation once per active host (State.AddOperation)
//  3. Execute - Run the compiled commands (State.Run)
//  4. Report - Collect per-host and per-group counters (State.Summary)
//
// # Compilation
//
// Operations are plain Go values:
//
//	var Touch = &engine.Operation{
//	    Name: "files.touch",
//	    Func: func(c *engine.OpContext, args engine.Args) ([]engine.Command, error) {
//	        return []engine.Command{engine.Shell("touch %s", args["path"])}, nil
//	    },
//	}
//
// Func receives an OpContext scoped to one host. It reads facts through the
// context and returns the commands needed to reach the desired state, or
// none when the host already matches. Every host an AddOperation call
// compiles for shares one op hash, derived from the deploy, the operation
// name, a call sequence number and the global arguments. The hash never
// depends on host data, so hosts that diverge still agree on the
// operation's position in the global order.
//
// Adding an operation from inside an operation is a usage error
// (ErrNestedOperation); use OpContext.Include instead. Adding one after Run
// has started fails with ErrNoCompilingContext.
//
// # Global Arguments
//
// Every operation accepts the same global arguments (sudo, timeout,
// ignore_errors, serial, ...). They are resolved per host from, lowest to
// highest precedence: config defaults, "_"-prefixed host data, deploy kwargs
// and call kwargs.
//
// # Execution
//
// By default operations run one at a time, each across all its hosts through
// a bounded worker pool, with a barrier between operations. RunOptions.Serial
// runs host by host and RunOptions.NoWait lets each host run through its list
// independently. Per operation, "serial", "run_once" and "parallel" change how
// that operation is dispatched.
//
// A failing host is removed from the active set and skipped for the rest of
// the run. When Config.FailPercent is set and more than that share of hosts
// has failed, Run stops with a circuit breaker error.
//
// # Error Classification
//
// Errors are EngineError values classified by ErrorClass:
//
//   - Host-scoped: connection, fact, planning and execution errors deactivate
//     one host and are reported in the results
//   - Run-scoped: usage errors, the circuit breaker and cancellation are
//     returned to the caller
//
// Use the helpers to inspect them:
//
//	if engine.IsCircuitBreaker(err) {
//	    // too many hosts failed
//	}
//
// # Thread Safety
//
// Compilation is single-threaded. Execution runs hosts concurrently; a State
// is safe to query while it runs. StateCallback implementations are called
// from worker goroutines.
package engine
