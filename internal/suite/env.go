package suite

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kriansa/guestcheck/internal/cloud"
	"github.com/kriansa/guestcheck/internal/config"
	"github.com/kriansa/guestcheck/internal/remote"
)

// NewEnv builds one node per VM, each with an SSH session that follows the
// VM's public address across restarts. newNIC may be nil.
func NewEnv(vms []cloud.VM, cfg *config.Config, newNIC func() cloud.NIC, logger *slog.Logger) (*Env, error) {
	env := &Env{
		Params:    cfg.InstanceType,
		Interface: cfg.Network.Interface,
		NewNIC:    newNIC,
		logger:    logger,
	}
	for _, vm := range vms {
		session, err := remote.NewSSHSessionFromKeyFile(remote.SSHConfig{
			Host:    vm.PublicAddress(),
			Port:    cfg.SSH.Port,
			User:    cfg.SSH.User,
			Resolve: vm.PublicAddress,
		}, cfg.SSH.KeyPath, logger.With("instance", vm.ID()))
		if err != nil {
			return nil, fmt.Errorf("session for %s: %w", vm.ID(), err)
		}
		env.Nodes = append(env.Nodes, Node{Session: session, VM: vm})
	}
	return env, nil
}

// OptionsFromConfig maps the suite configuration onto runner options
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		SSHWaitTimeout: cfg.SSH.WaitTimeout,
		CommandTimeout: cfg.CommandTimeout,
		CaptureConsole: !cfg.SkipConsoleLog,
		DmesgAllowlist: cfg.DmesgAllowlist,
	}
}

// Connect opens the sessions of the first n nodes concurrently
func (e *Env) Connect(ctx context.Context, n int, timeout time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)
	for i, node := range e.Nodes[:n] {
		g.Go(func() error {
			if err := node.Session.Connect(gctx, timeout); err != nil {
				return fmt.Errorf("connecting to node %d (%s): %w", i, node.VM.ID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Close closes every node session
func (e *Env) Close() {
	logger := e.logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, n := range e.Nodes {
		if err := n.Session.Close(); err != nil {
			logger.Warn("closing session", "instance", n.VM.ID(), "error", err)
		}
	}
}
