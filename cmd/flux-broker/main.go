// flux-broker is one process in the tree-based overlay: it loads its
// bootstrap configuration, brings up the authenticated transport for its
// position in the tree, and services the message fabric plus the built-in
// scratchpad service until signalled to exit.
package main

import (
	"fmt"
	"os"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/garlick/flux-core/internal/bootcfg"
	"github.com/garlick/flux-core/internal/flog"
	"github.com/garlick/flux-core/internal/overlay"
	"github.com/garlick/flux-core/internal/reactor"
	"github.com/garlick/flux-core/internal/scratchpad"
	"github.com/garlick/flux-core/internal/topology"
	"github.com/garlick/flux-core/internal/transport"
)

var configPath string

func main() {
	cmd := &cobra.Command{
		Use:           "flux-broker",
		Short:         "run one broker of the tree-based overlay",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(*cobra.Command, []string) error {
			return run()
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to broker TOML config")
	cmd.MarkFlagRequired("config")
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "flux-broker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := bootcfg.Load(configPath)
	if err != nil {
		return err
	}
	flog.SetRank(cfg.Rank)

	// Per-incarnation id, so log streams from broker restarts on the same
	// rank can be told apart.
	instance := uuid.NewString()
	flog.Infof("starting broker rank %d/%d (arity %d), instance %s",
		cfg.Rank, cfg.Size, cfg.Arity, instance)
	if host := cfg.Hostname(cfg.Rank); host != "" {
		flog.Infof("configured hostname %s", host)
	}

	kp, err := cfg.LoadKeyPair()
	if err != nil {
		return err
	}
	tr, err := transport.New(transport.Config{
		Rank:      cfg.Rank,
		Self:      kp,
		Store:     cfg.BuildCertStore(),
		BindURI:   cfg.BindURI,
		ParentURI: cfg.ParentURI,
		ParentPub: cfg.ParentKey,
	})
	if err != nil {
		return err
	}

	r := reactor.New()
	ov := overlay.New(overlay.Config{
		Rank:    cfg.Rank,
		Tree:    topology.New(cfg.Arity, cfg.Size),
		SyncMin: cfg.SyncMin.Duration,
		SyncMax: cfg.SyncMax.Duration,
		IdleMin: cfg.IdleMin.Duration,
		IdleMax: cfg.IdleMax.Duration,
	}, tr)
	ov.Start(r)
	pad := scratchpad.New(ov.Dispatcher(), ov)

	onSignal := func(s os.Signal) {
		flog.Infof("caught %s, shutting down", s)
		r.Stop()
	}
	for _, sig := range []os.Signal{syscall.SIGINT, syscall.SIGTERM} {
		reactor.NewSignal(r, sig, onSignal).Start()
	}

	var g errgroup.Group
	g.Go(func() error {
		r.Run()
		return nil
	})
	err = g.Wait()
	// The loop has exited, so nothing else touches overlay/scratchpad
	// state: safe to tear down from here.
	pad.Stop()
	ov.Stop()
	return err
}
