// Package ssh provides the SSH connector: commands run over SSH sessions and
// files move over SFTP.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/swirl/pkg/transports"
)

// keepAliveMisses is how many unanswered keep-alives close the connection.
const keepAliveMisses = 3

// Transport runs commands over one SSH connection, opening a session per
// command.
type Transport struct {
	cfg *Config

	mu     sync.RWMutex
	client *ssh.Client
	jump   *ssh.Client
	stop   chan struct{}
}

var _ transports.Transport = (*Transport)(nil)

// New is the transports.Factory for the ssh connector.
func New(target string, data map[string]any) (transports.Transport, error) {
	return NewTransport(ConfigFromHostData(target, data))
}

// NewTransport validates cfg and returns an unconnected transport.
func NewTransport(cfg *Config) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Transport{cfg: cfg}, nil
}

// Connect dials the host, through the jump host when one is configured.
// Calling Connect on a connected transport is a no-op.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()

	var (
		jump *ssh.Client
		conn net.Conn
		err  error
	)

	if t.cfg.Jump != nil {
		jump, err = dial(ctx, t.cfg.Jump, nil)
		if err != nil {
			return connectError("connect-jump", err)
		}
		log.Debug().Str("jump", t.cfg.Jump.address()).Str("target", t.cfg.address()).Msg("tunnelling through jump host")
		conn, err = jump.DialContext(ctx, "tcp", t.cfg.address())
		if err != nil {
			_ = jump.Close()
			return connectError("connect", err)
		}
	}

	client, err := dial(ctx, t.cfg, conn)
	if err != nil {
		if jump != nil {
			_ = jump.Close()
		}
		return connectError("connect", err)
	}

	t.client = client
	t.jump = jump
	log.Debug().Str("address", t.cfg.address()).Str("user", t.cfg.User).Msg("ssh connection established")

	if t.cfg.KeepAlive > 0 {
		t.stop = make(chan struct{})
		go t.keepAlive(client, t.stop)
	}
	return nil
}

// dial performs the SSH handshake with cfg over conn, or over a fresh TCP
// connection when conn is nil. Cancelling ctx aborts the handshake.
func dial(ctx context.Context, cfg *Config, conn net.Conn) (*ssh.Client, error) {
	clientCfg, err := cfg.clientConfig()
	if err != nil {
		return nil, &transports.TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	if conn == nil {
		var d net.Dialer
		if conn, err = d.DialContext(ctx, "tcp", cfg.address()); err != nil {
			return nil, err
		}
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, cfg.address(), clientCfg)
	if err != nil {
		_ = conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}

	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

func connectError(op string, err error) error {
	var te *transports.TransportError
	if errors.As(err, &te) {
		return err
	}
	return &transports.TransportError{
		Op:          op,
		Err:         err,
		IsTemporary: !strings.Contains(err.Error(), "unable to authenticate"),
		IsAuthError: strings.Contains(err.Error(), "unable to authenticate"),
	}
}

// Disconnect closes the connection and the jump connection, if any.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client == nil {
		return nil
	}

	if t.stop != nil {
		close(t.stop)
		t.stop = nil
	}

	err := t.client.Close()
	t.client = nil
	if t.jump != nil {
		_ = t.jump.Close()
		t.jump = nil
	}

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return &transports.TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

// IsConnected reports whether Connect succeeded and Disconnect has not run.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.client != nil
}

// sshClient returns the live client or a "not connected" error.
func (t *Transport) sshClient() (*ssh.Client, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.client == nil {
		return nil, &transports.TransportError{Op: "session", Err: fmt.Errorf("%s: not connected", t.cfg.Hostname)}
	}
	return t.client, nil
}

// keepAlive closes the client after keepAliveMisses consecutive failures so
// pending and later commands fail instead of hanging.
func (t *Transport) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(t.cfg.KeepAlive)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			misses++
			log.Warn().Err(err).Str("host", t.cfg.Hostname).Int("misses", misses).Msg("ssh keep-alive failed")
			if misses >= keepAliveMisses {
				_ = client.Close()
				return
			}
			continue
		}
		misses = 0
	}
}
