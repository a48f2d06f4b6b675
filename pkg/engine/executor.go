package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/swirl/pkg/inventory"
	"github.com/openfroyo/swirl/pkg/transports"
)

// RunOptions control how the compiled plan is executed.
type RunOptions struct {
	// Serial runs every operation host by host, one host at a time.
	Serial bool

	// NoWait runs each host's whole operation list independently, without
	// the per-operation barrier.
	NoWait bool

	// DryRun walks the plan and records results without running commands.
	DryRun bool

	// Parallel bounds concurrent hosts per operation. Zero falls back to
	// the engine config.
	Parallel int
}

// Run freezes the state and executes every operation in global order.
//
// By default each operation is dispatched to all its active hosts through a
// bounded worker pool and the next operation only starts once every host
// has resolved; this barrier keeps hosts in lockstep. Host-scoped failures
// are recorded in the results. Only usage errors, the fail-percent breaker
// and cancellation are returned.
func (s *State) Run(ctx context.Context, opts RunOptions) error {
	s.Freeze()

	workers := opts.Parallel
	if workers <= 0 {
		workers = s.cfg.Parallel
	}

	log.Debug().
		Str("run_id", s.RunID).
		Int("operations", len(s.OpOrder())).
		Bool("serial", opts.Serial).
		Bool("no_wait", opts.NoWait).
		Bool("dry_run", opts.DryRun).
		Msg("running operations")

	var err error
	switch {
	case opts.Serial:
		err = s.runSerial(ctx, opts)
	case opts.NoWait:
		err = s.runNoWait(ctx, workers, opts)
	default:
		err = s.runOps(ctx, workers, opts)
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		s.markPending(StatusCancelled)
		return NewCancelledError("run cancelled", ctxErr)
	}
	if err != nil {
		s.markPending(StatusCancelled)
		return err
	}

	// operations left behind by failed hosts
	s.markPending(StatusSkipped)
	return nil
}

// runOps is the default mode: one operation at a time across all hosts.
func (s *State) runOps(ctx context.Context, workers int, opts RunOptions) error {
	for _, hash := range s.OpOrder() {
		if ctx.Err() != nil {
			return nil
		}

		meta, _ := s.OpMeta(hash)
		s.notify("operation_start", func(cb StateCallback) { cb.OperationStart(s, hash) })

		hosts := s.opHosts(meta)
		var failed []*inventory.Host

		switch {
		case meta.Execution.RunOnce:
			failed = s.runOnce(ctx, hash, hosts, opts)

		case meta.Execution.Serial:
			for _, host := range hosts {
				if ctx.Err() != nil {
					s.setStatus(host, hash, StatusCancelled)
					continue
				}
				if !s.runHostOp(ctx, host, hash, opts) {
					failed = append(failed, host)
				}
			}

		default:
			batchSize := len(hosts)
			if meta.Execution.Parallel > 0 {
				batchSize = meta.Execution.Parallel
			}
			for start := 0; start < len(hosts); start += batchSize {
				end := min(start+batchSize, len(hosts))
				failed = append(failed, s.runBatch(ctx, hash, hosts[start:end], workers, opts)...)
			}
		}

		err := s.FailHosts(failed...)
		s.notify("operation_end", func(cb StateCallback) { cb.OperationEnd(s, hash) })
		if err != nil {
			return err
		}
	}
	return nil
}

// runBatch executes one operation on a set of hosts using a worker pool and
// returns the hosts that failed, in inventory order.
func (s *State) runBatch(ctx context.Context, hash OpHash, hosts []*inventory.Host, workers int, opts RunOptions) []*inventory.Host {
	if len(hosts) == 0 {
		return nil
	}

	workerCount := len(hosts)
	if workers > 0 && workers < workerCount {
		workerCount = workers
	}

	workQueue := make(chan *inventory.Host, len(hosts))
	for _, host := range hosts {
		workQueue <- host
	}
	close(workQueue)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []*inventory.Host
	)

	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for host := range workQueue {
				if ctx.Err() != nil {
					s.setStatus(host, hash, StatusCancelled)
					continue
				}

				if !s.runHostOp(ctx, host, hash, opts) {
					mu.Lock()
					failed = append(failed, host)
					mu.Unlock()
				}
			}
		}()
	}

	wg.Wait()

	inventory.SortByIndex(failed)
	return failed
}

// runOnce executes the operation on the first active host in inventory order
// and marks every other host skipped.
func (s *State) runOnce(ctx context.Context, hash OpHash, hosts []*inventory.Host, opts RunOptions) []*inventory.Host {
	if len(hosts) == 0 {
		return nil
	}

	var failed []*inventory.Host
	if ctx.Err() != nil {
		return nil
	}
	if !s.runHostOp(ctx, hosts[0], hash, opts) {
		failed = append(failed, hosts[0])
	}
	for _, host := range hosts[1:] {
		s.skipHostOp(host, hash)
	}
	return failed
}

// runOnceClaims hands each run_once operation to the first host that
// reaches it. A claim is never released, so a claimed operation runs on
// exactly one host even when that host fails.
type runOnceClaims struct {
	mu    sync.Mutex
	taken map[OpHash]string
}

func newRunOnceClaims() *runOnceClaims {
	return &runOnceClaims{taken: make(map[OpHash]string)}
}

// skip reports whether host must skip hash, claiming hash for host when it
// is an unclaimed run_once operation.
func (c *runOnceClaims) skip(meta OpMeta, hash OpHash, host *inventory.Host) bool {
	if !meta.Execution.RunOnce {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if owner, ok := c.taken[hash]; ok {
		return owner != host.Name()
	}
	c.taken[hash] = host.Name()
	return false
}

// runSerial runs every operation on one host before moving to the next.
func (s *State) runSerial(ctx context.Context, opts RunOptions) error {
	claims := newRunOnceClaims()
	for _, host := range s.ActiveHosts() {
		for _, hash := range s.HostOps(host) {
			if ctx.Err() != nil {
				return nil
			}

			meta, _ := s.OpMeta(hash)
			if claims.skip(meta, hash, host) {
				s.skipHostOp(host, hash)
				continue
			}

			if !s.runHostOp(ctx, host, hash, opts) {
				if err := s.FailHosts(host); err != nil {
					return err
				}
				break
			}
		}
	}
	return nil
}

// runNoWait runs each host's operations independently and concurrently.
func (s *State) runNoWait(ctx context.Context, workers int, opts RunOptions) error {
	hosts := s.ActiveHosts()
	claims := newRunOnceClaims()

	g, gctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}

	for _, host := range hosts {
		g.Go(func() error {
			for _, hash := range s.HostOps(host) {
				if gctx.Err() != nil {
					return nil
				}

				meta, _ := s.OpMeta(hash)
				if claims.skip(meta, hash, host) {
					s.skipHostOp(host, hash)
					continue
				}

				if !s.runHostOp(gctx, host, hash, opts) {
					return s.FailHosts(host)
				}
			}
			return nil
		})
	}

	return g.Wait()
}

// opHosts returns the active hosts an operation was compiled for, in
// inventory order.
func (s *State) opHosts(meta OpMeta) []*inventory.Host {
	hosts := make([]*inventory.Host, 0, len(meta.Hosts))
	for _, name := range meta.Hosts {
		h, ok := s.inv.Get(name)
		if ok && s.IsActive(h) {
			hosts = append(hosts, h)
		}
	}
	inventory.SortByIndex(hosts)
	return hosts
}

// runHostOp runs one operation's commands on one host and records the
// result. It returns false when the host should be failed.
func (s *State) runHostOp(ctx context.Context, host *inventory.Host, hash OpHash, opts RunOptions) bool {
	data, ok := s.OpData(host, hash)
	if !ok {
		return true
	}

	meta, _ := s.OpMeta(hash)
	logger := log.With().
		Str("host", host.Name()).
		Str("op", meta.DisplayName()).
		Logger()

	s.setStatus(host, hash, StatusRunning)
	s.notify("operation_host_start", func(cb StateCallback) { cb.OperationHostStart(s, host, hash) })

	start := time.Now()
	executed := 0
	err := data.PlanErr

	if err == nil {
		for _, cmd := range data.Commands {
			if opts.DryRun {
				logger.Info().Str("command", cmd.String()).Msg("would run")
				continue
			}

			cmdStart := time.Now()
			cmdErr := s.runCommand(ctx, host, cmd, data.Global)
			s.notifyCommand(host, hash, cmd, time.Since(cmdStart), cmdErr)

			if cmdErr != nil {
				err = cmdErr
				break
			}
			executed++
		}
	}

	result := OpResult{
		Commands: executed,
		Duration: time.Since(start),
		Err:      err,
	}

	ignored := err != nil && data.Global.IgnoreErrors

	s.mu.Lock()
	hs := s.hosts[host.Name()]
	hs.results.Commands += executed
	switch {
	case err == nil:
		result.Status = StatusSucceeded
		if len(data.Commands) == 0 {
			result.Status = StatusNoChange
			hs.results.NoChangeOps++
		}
		hs.results.Ops++
		hs.results.SuccessOps++
	case ignored:
		result.Status = StatusFailedIgnored
		hs.results.Ops++
		hs.results.ErrorOps++
		hs.results.IgnoredErrorOps++
		hs.errors[hash] = err
	default:
		result.Status = StatusFailed
		hs.results.ErrorOps++
		hs.errors[hash] = err
		if hs.err == nil {
			hs.err = err
		}
	}
	hs.status[hash] = result.Status
	s.mu.Unlock()

	if err == nil {
		s.notify("operation_host_success", func(cb StateCallback) { cb.OperationHostSuccess(s, host, hash, result) })
		s.runCallback(ctx, "on_success", data.Global.OnSuccess, host, hash)
		return true
	}

	s.notify("operation_host_error", func(cb StateCallback) { cb.OperationHostError(s, host, hash, result) })
	s.runCallback(ctx, "on_error", data.Global.OnError, host, hash)
	return ignored
}

// skipHostOp records a run_once operation satisfied by another host.
func (s *State) skipHostOp(host *inventory.Host, hash OpHash) {
	if _, ok := s.OpData(host, hash); !ok {
		return
	}

	s.mu.Lock()
	hs := s.hosts[host.Name()]
	hs.status[hash] = StatusSkipped
	hs.results.Ops++
	hs.results.SuccessOps++
	s.mu.Unlock()

	result := OpResult{Status: StatusSkipped}
	s.notify("operation_host_success", func(cb StateCallback) { cb.OperationHostSuccess(s, host, hash, result) })
}

// runCallback invokes an on_success/on_error callback. Errors and panics
// are logged and never affect the run.
func (s *State) runCallback(ctx context.Context, name string, cb Callback, host *inventory.Host, hash OpHash) {
	if cb == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("host", host.Name()).
				Str("op_hash", string(hash)).
				Str("callback", name).
				Interface("panic", r).
				Msg("operation callback panicked")
		}
	}()

	if err := cb(ctx, host, hash); err != nil {
		log.Error().
			Err(err).
			Str("host", host.Name()).
			Str("op_hash", string(hash)).
			Str("callback", name).
			Msg("operation callback failed")
	}
}

// runCommand executes one command, retrying up to Retries times with a
// constant RetryDelay between attempts.
func (s *State) runCommand(ctx context.Context, host *inventory.Host, cmd Command, global GlobalArguments) error {
	if global.Retries <= 0 {
		return s.execCommand(ctx, host, cmd, global)
	}

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := s.execCommand(ctx, host, cmd, global)
		if err != nil && ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if err != nil && attempt <= global.Retries {
			log.Warn().
				Err(err).
				Str("host", host.Name()).
				Int("attempt", attempt).
				Int("retries", global.Retries).
				Msg("command failed, retrying")
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(global.RetryDelay)),
		backoff.WithMaxTries(uint(global.Retries+1)),
	)
	return err
}

// execCommand executes a single command attempt.
func (s *State) execCommand(ctx context.Context, host *inventory.Host, cmd Command, global GlobalArguments) error {
	if fn, ok := cmd.(FunctionCommand); ok {
		return s.execFunction(ctx, host, fn, global)
	}

	t := host.Transport()
	if t == nil {
		return NewExecutionError("host not connected", nil).
			WithHost(host.Name()).
			WithCode(ErrCodeNotConnected)
	}

	opts := global.CommandOptions()

	switch c := cmd.(type) {
	case ShellCommand:
		log.Debug().Str("host", host.Name()).Str("command", c.Command).Msg("running command")

		out, err := t.RunShellCommand(ctx, c.Command, opts)
		if err != nil {
			return transportFailure(host, c, err)
		}
		if !out.Success(opts.SuccessExitCodes) {
			for _, line := range out.Stderr {
				log.Error().Str("host", host.Name()).Msg(line)
			}
			return NewExecutionError(fmt.Sprintf("command exited with code %d", out.ExitCode), nil).
				WithHost(host.Name()).
				WithCode(ErrCodeExitCode).
				WithDetail("command", c.Command).
				WithDetail("exit_code", out.ExitCode).
				WithDetail("stderr", strings.Join(out.Stderr, "\n"))
		}
		return nil

	case UploadCommand:
		ctx, cancel := commandContext(ctx, global.Timeout)
		defer cancel()
		if err := t.PutFile(ctx, c.Src, c.Dest, opts); err != nil {
			return transportFailure(host, c, err)
		}
		return nil

	case DownloadCommand:
		ctx, cancel := commandContext(ctx, global.Timeout)
		defer cancel()
		if err := t.GetFile(ctx, c.Src, c.Dest, opts); err != nil {
			return transportFailure(host, c, err)
		}
		return nil

	default:
		return NewUsageError(fmt.Sprintf("unsupported command type %T", cmd), nil).WithHost(host.Name())
	}
}

// execFunction runs a function command inline, turning panics into errors.
func (s *State) execFunction(ctx context.Context, host *inventory.Host, fn FunctionCommand, global GlobalArguments) (err error) {
	ctx, cancel := commandContext(ctx, global.Timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = NewExecutionError(fmt.Sprintf("function %s panicked: %v", fn.Name, r), nil).
				WithHost(host.Name()).
				WithCode(ErrCodePanic)
		}
	}()

	if fn.Func == nil {
		return NewUsageError(fmt.Sprintf("function command %s has no func", fn.Name), nil)
	}

	if err := fn.Func(ctx, host); err != nil {
		execErr := NewExecutionError(fmt.Sprintf("function %s failed", fn.Name), err).WithHost(host.Name())
		if errors.Is(err, context.DeadlineExceeded) {
			execErr.WithCode(ErrCodeTimeout)
		}
		return execErr
	}
	return nil
}

func commandContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

func transportFailure(host *inventory.Host, cmd Command, err error) error {
	execErr := NewExecutionError("command failed", err).
		WithHost(host.Name()).
		WithCode(ErrCodeTransport).
		WithDetail("command", cmd.String())
	if errors.Is(err, transports.ErrCommandTimeout) || errors.Is(err, context.DeadlineExceeded) {
		execErr.Message = "command timed out"
		execErr.WithCode(ErrCodeTimeout)
	}
	log.Error().Err(err).Str("host", host.Name()).Str("command", cmd.String()).Msg(execErr.Message)
	return execErr
}

func (s *State) setStatus(host *inventory.Host, hash OpHash, status OpStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hs, ok := s.hosts[host.Name()]
	if !ok {
		return
	}
	if _, compiled := hs.ops[hash]; compiled {
		hs.status[hash] = status
	}
}

// markPending moves every operation that never started to status.
func (s *State) markPending(status OpStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, hs := range s.hosts {
		for hash, st := range hs.status {
			if st == StatusPending {
				hs.status[hash] = status
			}
		}
	}
}
