package cmds

import (
	"context"

	"github.com/pkg/errors"

	"github.com/go-go-golems/turnguard/pkg/actionlog"
	"github.com/go-go-golems/turnguard/pkg/config"
	"github.com/go-go-golems/turnguard/pkg/journal"
	"github.com/go-go-golems/turnguard/pkg/notify"
	"github.com/go-go-golems/turnguard/pkg/params"
	"github.com/go-go-golems/turnguard/pkg/persistence/statestore"
	"github.com/go-go-golems/turnguard/pkg/provider"
	"github.com/go-go-golems/turnguard/pkg/provider/echo"
	"github.com/go-go-golems/turnguard/pkg/provider/subprocess"
	"github.com/go-go-golems/turnguard/pkg/supervisor"
	"github.com/go-go-golems/turnguard/pkg/watchdog"
)

// core is the durable state every command works on.
type core struct {
	store   statestore.Store
	journal *journal.Journal
	breaker *journal.CircuitBreaker
	params  *params.Store
	log     *actionlog.Log
}

func openCore(ctx context.Context, cfg *config.Config) (*core, error) {
	store, err := statestore.Open(cfg.StateSettings())
	if err != nil {
		return nil, err
	}
	c := &core{store: store}
	c.journal, err = journal.New(store, nil)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	c.breaker = journal.NewCircuitBreaker(c.journal, cfg.Breaker.MaxCrashes)
	c.params, err = params.NewStore(ctx, store,
		params.Params{params.KeyTimeout: cfg.Params.DefaultTimeout.String()},
		cfg.Params.DefaultTimeout)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	c.log, err = actionlog.New(ctx, store, cfg.ActionLog.MaxTurns)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return c, nil
}

func (c *core) Close() error {
	return c.store.Close()
}

func providerFactory(cfg *config.Config) (provider.Factory, error) {
	switch cfg.Provider.Kind {
	case config.ProviderEcho:
		return echo.Factory(cfg.Provider.EchoDelay), nil
	case config.ProviderSubprocess:
		return subprocess.Factory(cfg.SubprocessConfig()), nil
	}
	return nil, errors.Errorf("unknown provider kind %q", cfg.Provider.Kind)
}

// analyst builds a fresh provider per escalation so concurrent watchdogs do
// not share one agent process.
func analyst(factory provider.Factory) watchdog.Analyst {
	return func(ctx context.Context, summary string) (watchdog.Analysis, error) {
		p, err := factory("turnguard-analyst")
		if err != nil {
			return watchdog.Analysis{}, errors.Wrap(err, "build analyst provider")
		}
		return watchdog.ProviderAnalyst(p)(ctx, summary)
	}
}

func newSupervisor(cfg *config.Config, c *core, notifier notify.Notifier) (*supervisor.Supervisor, error) {
	factory, err := providerFactory(cfg)
	if err != nil {
		return nil, err
	}
	wcfg := watchdog.Config{
		Heuristic:      cfg.Watchdog.HeuristicConfig,
		AnalystTimeout: cfg.Watchdog.AnalystTimeout,
	}
	if cfg.Watchdog.Analyst {
		wcfg.Analyst = analyst(factory)
	}
	historyTurns := cfg.Provider.HistoryTurns
	if historyTurns == 0 {
		historyTurns = -1
	}
	sup, err := supervisor.New(supervisor.Config{
		Journal:        c.journal,
		Breaker:        c.breaker,
		Params:         c.params,
		Log:            c.log,
		Providers:      factory,
		Notifier:       notifier,
		Watchdog:       wcfg,
		HistoryTurns:   historyTurns,
		ForceStateless: cfg.Provider.Stateless,
		AbortWait:      cfg.Provider.AbortGrace + supervisor.DefaultAbortWait,
	})
	if err != nil {
		return nil, err
	}
	sup.SetEvictionConfig(cfg.Locks.IdleEvict, cfg.Locks.EvictInterval)
	return sup, nil
}

// runtime is a bootable supervisor with its notification transport.
type runtime struct {
	*core
	transport *notify.Transport
	sup       *supervisor.Supervisor
}

func openRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	c, err := openCore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	transport, err := notify.Open(cfg.NotifySettings())
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	sup, err := newSupervisor(cfg, c, notify.NewPublisher(transport.Publisher, cfg.Notify.Topic))
	if err != nil {
		_ = transport.Close()
		_ = c.Close()
		return nil, err
	}
	return &runtime{core: c, transport: transport, sup: sup}, nil
}

func (r *runtime) Close() error {
	terr := r.transport.Close()
	if err := r.core.Close(); err != nil {
		return err
	}
	return terr
}
