package slurm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/viant/gosh"
	"github.com/viant/gosh/runner"
	"github.com/viant/gosh/runner/local"
	rssh "github.com/viant/gosh/runner/ssh"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Runner executes a shell command and returns its standard output and exit
// status.
type Runner interface {
	Run(ctx context.Context, command string, timeout time.Duration) (stdout string, status int, err error)
	Close() error
}

// goshRunner runs commands in a gosh shell session, either locally or over
// SSH. A session is a single shell, so commands are serialized.
type goshRunner struct {
	mu      sync.Mutex
	service *gosh.Service
}

// NewRunner opens a shell session on the host named in cfg. An empty host or
// "localhost" runs commands locally.
func NewRunner(ctx context.Context, cfg Config) (Runner, error) {
	var opts []runner.Option
	if len(cfg.Env) > 0 {
		opts = append(opts, runner.WithEnvironment(cfg.Env))
	}

	if cfg.local() {
		service, err := gosh.New(ctx, local.New(opts...))
		if err != nil {
			return nil, fmt.Errorf("slurm: open local shell: %w", err)
		}
		return &goshRunner{service: service}, nil
	}

	clientConfig, err := sshConfig(cfg)
	if err != nil {
		return nil, err
	}
	host := cfg.Host
	if !strings.Contains(host, ":") {
		host += ":22"
	}
	service, err := gosh.New(ctx, rssh.New(host, clientConfig, opts...))
	if err != nil {
		return nil, fmt.Errorf("slurm: open ssh shell on %s: %w", host, err)
	}
	return &goshRunner{service: service}, nil
}

func (r *goshRunner) Run(ctx context.Context, command string, timeout time.Duration) (string, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", -1, err
	}
	return r.service.Run(ctx, command, runner.WithTimeout(int(timeout.Milliseconds())))
}

func (r *goshRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.service.Close()
}

func sshConfig(cfg Config) (*ssh.ClientConfig, error) {
	if cfg.User == "" {
		return nil, fmt.Errorf("slurm: ssh user is required for host %s", cfg.Host)
	}
	key, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("slurm: read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("slurm: parse ssh key: %w", err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec // opt-in when no known_hosts file is configured
	if cfg.KnownHostsFile != "" {
		hostKeyCallback, err = knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("slurm: load known hosts: %w", err)
		}
	}

	return &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.DialTimeout,
	}, nil
}
