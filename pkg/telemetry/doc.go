// Package telemetry provides observability for swirl runs.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry) and
// Prometheus metrics, and bridges them to the engine through StateCallback.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Metrics.Enabled = true
//	cfg.Metrics.ListenAddress = ":9090"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	state := engine.NewState(inv, tel.EngineOptions()...)
//	ctx = tel.Callback.StartRun(ctx, state.RunID)
//	err = state.Run(ctx, engine.RunOptions{})
//	tel.Callback.EndRun(err)
//
// # Spans
//
// A run produces one "run" span. In the default execution mode each
// operation gets an "operation" span and each host an "operation.host" span
// beneath it, with one "command" event per executed command. Serial and
// no-wait runs have no operation spans; host spans attach to the run span.
//
// # Metrics
//
// All metrics carry the configured namespace (default "swirl"):
//
//	operations_total{status}             operation outcomes per host
//	operation_duration_seconds{operation}
//	commands_total{status}               success or error
//	command_duration_seconds             including retries
//	hosts_connected_total{status}        connection attempts
//	fact_cache_total{result}             hit or miss
//	active_hosts                         currently connected hosts
//
// Exporters for traces are "stdout", "otlp" (gRPC) and "none".
package telemetry
