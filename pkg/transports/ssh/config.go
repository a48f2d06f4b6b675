package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/openfroyo/swirl/pkg/transports"
)

// HostKeyPolicy decides what happens to host keys missing from known_hosts.
type HostKeyPolicy string

const (
	// HostKeyStrict rejects hosts whose key is not already known.
	HostKeyStrict HostKeyPolicy = "yes"

	// HostKeyAcceptNew records unknown keys and rejects changed ones.
	HostKeyAcceptNew HostKeyPolicy = "accept-new"

	// HostKeyIgnore accepts any key.
	HostKeyIgnore HostKeyPolicy = "no"
)

// Config describes how to reach one host. It is built from the host's data
// by ConfigFromHostData.
type Config struct {
	Hostname string `validate:"required"`
	Port     int    `validate:"gte=1,lte=65535"`
	User     string `validate:"required"`

	Password    string
	KeyFile     string
	KeyPassword string
	UseAgent    bool

	KnownHostsFile string
	HostKeys       HostKeyPolicy `validate:"oneof=yes no accept-new"`

	ConnectTimeout time.Duration `validate:"gt=0"`

	// KeepAlive is the interval between keep-alive requests, 0 disables them.
	KeepAlive time.Duration `validate:"gte=0"`

	// TempDir stages uploads and downloads that need privilege escalation.
	TempDir string `validate:"required"`

	// Jump is an optional bastion the connection is tunnelled through.
	Jump *Config `validate:"omitempty"`
}

var validate = validator.New()

// ConfigFromHostData builds a Config from a host's resolved data. target is
// the address used when ssh_hostname is not set.
func ConfigFromHostData(target string, data map[string]any) *Config {
	home, _ := os.UserHomeDir()

	cfg := &Config{
		Hostname:       transports.DataString(data, "ssh_hostname", target),
		Port:           transports.DataInt(data, "ssh_port", 22),
		User:           transports.DataString(data, "ssh_user", os.Getenv("USER")),
		Password:       transports.DataString(data, "ssh_password", ""),
		KeyFile:        transports.DataString(data, "ssh_key", ""),
		KeyPassword:    transports.DataString(data, "ssh_key_password", ""),
		UseAgent:       transports.DataBool(data, "ssh_allow_agent", true),
		KnownHostsFile: transports.DataString(data, "ssh_known_hosts_file", filepath.Join(home, ".ssh", "known_hosts")),
		HostKeys:       hostKeyPolicy(data["ssh_strict_host_key_checking"]),
		ConnectTimeout: transports.DataDuration(data, "ssh_connect_timeout", 10*time.Second),
		KeepAlive:      transports.DataDuration(data, "ssh_keepalive_interval", 0),
		TempDir:        transports.DataString(data, "temp_dir", "/tmp"),
	}

	if bastion := transports.DataString(data, "ssh_proxy_host", ""); bastion != "" {
		jump := *cfg
		jump.Hostname = bastion
		jump.Port = transports.DataInt(data, "ssh_proxy_port", 22)
		jump.User = transports.DataString(data, "ssh_proxy_user", cfg.User)
		jump.Password = transports.DataString(data, "ssh_proxy_password", cfg.Password)
		jump.KeyFile = transports.DataString(data, "ssh_proxy_key", cfg.KeyFile)
		jump.KeepAlive = 0
		jump.Jump = nil
		cfg.Jump = &jump
	}

	return cfg
}

// hostKeyPolicy accepts the OpenSSH spellings as well as booleans.
func hostKeyPolicy(v any) HostKeyPolicy {
	switch v := v.(type) {
	case nil:
		return HostKeyAcceptNew
	case bool:
		if v {
			return HostKeyStrict
		}
		return HostKeyIgnore
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return hostKeyPolicy(b)
		}
		return HostKeyPolicy(v)
	default:
		return HostKeyPolicy(fmt.Sprint(v))
	}
}

// Validate checks the config and its jump host.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid ssh config for %s: %w", c.Hostname, err)
	}
	return nil
}

func (c *Config) address() string {
	return net.JoinHostPort(c.Hostname, strconv.Itoa(c.Port))
}

// clientConfig assembles the x/crypto client config: auth methods in the
// order explicit key, agent, default keys, password.
func (c *Config) clientConfig() (*ssh.ClientConfig, error) {
	auth, err := c.authMethods()
	if err != nil {
		return nil, err
	}

	hostKeys, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         c.ConnectTimeout,
	}, nil
}

func (c *Config) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if c.KeyFile != "" {
		signer, err := loadKey(c.KeyFile, c.KeyPassword)
		if err != nil {
			return nil, err
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if sock := os.Getenv("SSH_AUTH_SOCK"); c.UseAgent && sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}

	if c.KeyFile == "" {
		if signers := defaultKeys(); len(signers) > 0 {
			methods = append(methods, ssh.PublicKeys(signers...))
		}
	}

	if c.Password != "" {
		password := c.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("no ssh credentials for %s: set ssh_key, ssh_password or run an ssh agent", c.Hostname)
	}
	return methods, nil
}

func loadKey(path, password string) (ssh.Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ssh key: %w", err)
	}

	var signer ssh.Signer
	if password != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(raw, []byte(password))
	} else {
		signer, err = ssh.ParsePrivateKey(raw)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh key %s: %w", path, err)
	}
	return signer, nil
}

// defaultKeys loads the unencrypted keys OpenSSH would try by default.
func defaultKeys() []ssh.Signer {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}

	var signers []ssh.Signer
	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		raw, err := os.ReadFile(filepath.Join(home, ".ssh", name))
		if err != nil {
			continue
		}
		if signer, err := ssh.ParsePrivateKey(raw); err == nil {
			signers = append(signers, signer)
		}
	}
	return signers
}

// knownHostsMu serialises appends to known_hosts files across hosts.
var knownHostsMu sync.Mutex

func (c *Config) hostKeyCallback() (ssh.HostKeyCallback, error) {
	switch c.HostKeys {
	case HostKeyIgnore:
		return ssh.InsecureIgnoreHostKey(), nil

	case HostKeyStrict:
		callback, err := knownhosts.New(c.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
		return callback, nil

	default:
		path := c.KnownHostsFile
		if err := touch(path); err != nil {
			return nil, fmt.Errorf("failed to create known_hosts: %w", err)
		}

		return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			knownHostsMu.Lock()
			defer knownHostsMu.Unlock()

			// reloaded per check so keys recorded by other hosts are seen
			callback, err := knownhosts.New(path)
			if err != nil {
				return err
			}

			err = callback(hostname, remote, key)
			var keyErr *knownhosts.KeyError
			if !errors.As(err, &keyErr) || len(keyErr.Want) > 0 {
				return err
			}
			return appendKnownHost(path, hostname, key)
		}, nil
	}
}

func touch(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600)
	if err != nil {
		return err
	}
	return f.Close()
}

func appendKnownHost(path, hostname string, key ssh.PublicKey) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = fmt.Fprintln(f, knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key))
	return err
}
