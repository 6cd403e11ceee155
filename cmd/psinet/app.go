package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/psinet-ops/psinet/pkg/deploy"
	"github.com/psinet-ops/psinet/pkg/events"
	"github.com/psinet-ops/psinet/pkg/log"
	"github.com/psinet-ops/psinet/pkg/provider"
	"github.com/psinet-ops/psinet/pkg/psinet"
	"github.com/psinet-ops/psinet/pkg/publish"
	"github.com/psinet-ops/psinet/pkg/rotation"
	"github.com/psinet-ops/psinet/pkg/storage"
	"github.com/psinet-ops/psinet/pkg/transport"
)

// app holds the collaborators shared by the commands
type app struct {
	store    *storage.BoltStore
	events   *events.Broker
	ssh      *transport.SSH
	registry *provider.Registry
}

func newApp() (*app, error) {
	registry, err := cfg.NewRegistry()
	if err != nil {
		return nil, err
	}
	store := storage.NewBoltStore(cfg.Database.Path)
	store.SetHistoryLimit(cfg.Database.HistoryLimit)
	broker := events.NewBroker()
	broker.Start()
	return &app{
		store:    store,
		events:   broker,
		ssh:      transport.NewSSH(cfg.Transport()),
		registry: registry,
	}, nil
}

// session loads the network locked, runs fn and saves. When fn fails the
// lock is released without a final save; checkpoints taken by fn stay.
func (a *app) session(fn func(n *psinet.Network) error) error {
	n, err := a.store.Load(true)
	if err != nil {
		return err
	}
	if err := fn(n); err != nil {
		if rerr := a.store.Release(n); rerr != nil {
			log.Logger.Error().Err(rerr).Msg("Failed to release database lock")
		}
		return err
	}
	return a.store.Save(n)
}

func (a *app) publisher() (*publish.Publisher, error) {
	store, err := cfg.NewObjectStore()
	if err != nil {
		return nil, err
	}
	builder, err := cfg.NewBuilder()
	if err != nil {
		return nil, err
	}
	return publish.New(publish.Dependencies{
		Store:    store,
		Builder:  builder,
		Notifier: publish.NewLogNotifier(),
		Events:   a.events,
	}, cfg.Publisher()), nil
}

func (a *app) driver() (*deploy.Driver, error) {
	pub, err := a.publisher()
	if err != nil {
		return nil, err
	}
	deps := deploy.Dependencies{
		Hosts:     a.ssh,
		Publisher: pub,
		Providers: a.registry,
		Store:     a.store,
		Events:    a.events,
	}
	if stats, ok := cfg.Stats(); ok {
		deps.Stats = a.ssh.ForStats(stats)
	}
	return deploy.New(deps, cfg.DeployDriver()), nil
}

func (a *app) rotator(n *psinet.Network) (*rotation.Rotator, error) {
	driver, err := a.driver()
	if err != nil {
		return nil, err
	}
	return rotation.New(n, rotation.Dependencies{
		Providers: a.registry,
		Installer: a.ssh,
		Counter:   a.ssh,
		Store:     a.store,
		Deployer:  driver,
		Events:    a.events,
	}, cfg.Rotation()), nil
}

// follow prints progress events to w until the returned function is called
func (a *app) follow(w io.Writer) func() {
	sub := a.events.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range sub {
			fmt.Fprintf(w, "  %s  %s\n", e.Type, e.Message)
		}
	}()
	return func() {
		a.events.Flush()
		a.events.Unsubscribe(sub)
		<-done
	}
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
