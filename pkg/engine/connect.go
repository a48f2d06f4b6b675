package engine

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/openfroyo/swirl/pkg/inventory"
)

// Connect opens a transport to every targeted host concurrently. Hosts that
// fail to connect are failed through FailHosts, so the fail-percent breaker
// applies before any operation runs.
func (s *State) Connect(ctx context.Context) error {
	targets := s.Targets()

	s.mu.Lock()
	s.activated = len(targets)
	s.mu.Unlock()

	var limiter *rate.Limiter
	if s.cfg.ConnectRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.ConnectRate), 1)
	}

	g, gctx := errgroup.WithContext(ctx)
	if s.cfg.Parallel > 0 {
		g.SetLimit(s.cfg.Parallel)
	}

	connectErrs := make([]error, len(targets))
	for i, host := range targets {
		g.Go(func() error {
			if limiter != nil {
				if err := limiter.Wait(gctx); err != nil {
					return err
				}
			}
			if err := gctx.Err(); err != nil {
				return err
			}
			connectErrs[i] = s.connectHost(gctx, host)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return NewCancelledError("connect cancelled", err)
	}

	var failed []*inventory.Host
	for i, host := range targets {
		if connectErrs[i] != nil {
			failed = append(failed, host)
		}
	}

	log.Debug().
		Int("hosts", len(targets)).
		Int("failed", len(failed)).
		Msg("connect phase complete")

	return s.FailHosts(failed...)
}

func (s *State) connectHost(ctx context.Context, host *inventory.Host) error {
	if host.Connected() {
		s.markActive(host)
		return nil
	}

	t, err := s.transports.ForHost(host.Name(), host.Data())
	if err != nil {
		connErr := NewConnectionError("could not set up connector", err).
			WithHost(host.Name()).
			WithCode(ErrCodeConnectorSetup)
		s.recordHostError(host, connErr)
		s.notify("host_connect_error", func(cb StateCallback) { cb.HostConnectError(s, host, connErr) })
		return connErr
	}

	connectCtx := ctx
	if s.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()
	}

	if err := t.Connect(connectCtx); err != nil {
		connErr := NewConnectionError("could not connect", err).
			WithHost(host.Name()).
			WithCode(ErrCodeTransport)
		if errors.Is(err, context.DeadlineExceeded) {
			connErr.WithCode(ErrCodeTimeout)
		}
		s.recordHostError(host, connErr)
		s.notify("host_connect_error", func(cb StateCallback) { cb.HostConnectError(s, host, connErr) })
		return connErr
	}

	host.SetTransport(t)
	s.markActive(host)
	s.notify("host_connect", func(cb StateCallback) { cb.HostConnect(s, host) })
	return nil
}

func (s *State) markActive(host *inventory.Host) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.failed[host.Name()] {
		s.active[host.Name()] = true
	}
}

func (s *State) recordHostError(host *inventory.Host, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hs, ok := s.hosts[host.Name()]; ok && hs.err == nil {
		hs.err = err
	}
}

// FailHosts marks hosts as failed and removes them from the active set, then
// applies the breaker: no active hosts left, or a failed share of the
// initially targeted hosts above FailPercent, is a fatal error.
func (s *State) FailHosts(hosts ...*inventory.Host) error {
	if len(hosts) == 0 {
		return nil
	}

	s.mu.Lock()
	for _, h := range hosts {
		s.failed[h.Name()] = true
		delete(s.active, h.Name())
		log.Debug().Str("host", h.Name()).Msg("failing host")
	}

	activated := s.activated
	if activated == 0 {
		activated = len(s.targets)
	}
	active := 0
	for _, h := range s.targets {
		if s.active[h.Name()] {
			active++
		}
	}
	s.mu.Unlock()

	if active == 0 {
		return NewCircuitBreakerError("no hosts remaining", ErrNoHostsRemaining).WithCode(ErrCodeNoHosts)
	}

	if s.cfg.FailPercent != nil && activated > 0 {
		percent := (1 - float64(active)/float64(activated)) * 100
		if percent > *s.cfg.FailPercent {
			return NewCircuitBreakerError(
				fmt.Sprintf("over %g%% of hosts failed (%d%%)", *s.cfg.FailPercent, int(math.Round(percent))),
				nil,
			).
				WithCode(ErrCodeFailPercent).
				WithDetail("failed_percent", percent)
		}
	}

	return nil
}

// Disconnect closes every open transport. Errors are logged, never returned.
func (s *State) Disconnect() {
	for _, host := range s.inv.Hosts() {
		t := host.Transport()
		if t == nil {
			continue
		}
		if err := t.Disconnect(); err != nil {
			log.Debug().Err(err).Str("host", host.Name()).Msg("disconnect failed")
		}
		host.SetTransport(nil)
		s.notify("host_disconnect", func(cb StateCallback) { cb.HostDisconnect(s, host) })
	}
}
