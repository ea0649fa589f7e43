package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/sells-group/leadgen-cli/internal/config"
	"github.com/sells-group/leadgen-cli/internal/finish"
	"github.com/sells-group/leadgen-cli/internal/notify"
	"github.com/sells-group/leadgen-cli/internal/orchestrator"
	"github.com/sells-group/leadgen-cli/internal/persist"
	"github.com/sells-group/leadgen-cli/internal/provider"
	"github.com/sells-group/leadgen-cli/internal/provider/httpjob"
	"github.com/sells-group/leadgen-cli/internal/queue"
	"github.com/sells-group/leadgen-cli/internal/resilience"
	"github.com/sells-group/leadgen-cli/internal/runner"
	"github.com/sells-group/leadgen-cli/internal/stepjob"
	"github.com/sells-group/leadgen-cli/internal/store"
)

// appEnv holds the store, provider registry and job plumbing shared by the
// worker, serve and dispatch commands.
type appEnv struct {
	Store      store.Store
	Registry   *provider.Registry
	Breakers   *resilience.ServiceBreakers
	Runner     *runner.Runner
	Dispatcher *runner.Dispatcher
	Inline     *queue.Inline
	PGQueue    *queue.PostgresQueue // set for queue.driver postgres
	Temporal   client.Client        // set for queue.driver temporal
}

// Close waits for inline jobs and releases resources.
func (e *appEnv) Close() {
	if e.Inline != nil {
		e.Inline.Wait()
	}
	if e.Temporal != nil {
		e.Temporal.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv validates the config for mode and wires everything a job needs.
// Inline jobs are bound to ctx. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st}

	reg, breakers, err := buildRegistry(cfg)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Registry, env.Breakers = reg, breakers

	policy := retryPolicy(cfg.Queue)
	f := finish.New(st, persist.New(st), buildNotifier(cfg.Notify))
	env.Runner = runner.New(st, reg,
		orchestrator.NewLeadDB(reg, st),
		orchestrator.NewScraper(reg, st, orchestrator.ScraperOptions{
			MinLeads:                   cfg.Scraper.MinLeads,
			AllowUnderDeliveryFallback: cfg.Scraper.AllowUnderDeliveryFallback,
		}),
		stepjob.New(st, f, stepjob.Config{
			InitGracePeriod: time.Duration(cfg.Step.InitGraceSecs) * time.Second,
			InitRetryDelay:  time.Duration(cfg.Step.InitRetryDelaySecs) * time.Second,
		}),
		f,
		runner.Options{StepMode: cfg.Scraper.StepMode, MaxAttempts: policy.MaxAttempts},
	)
	env.Inline = queue.NewInline(ctx, env.Runner, policy)

	q, err := env.initQueue(ctx, policy)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Dispatcher = runner.NewDispatcher(st, q, env.Inline, cfg.Env)

	zap.L().Info("environment ready",
		zap.String("mode", mode),
		zap.String("store", cfg.Store.Driver),
		zap.String("queue", cfg.Queue.Driver),
		zap.Strings("providers", reg.IDs()),
	)
	return env, nil
}

// initQueue returns the durable queue, or nil when jobs run inline.
func (e *appEnv) initQueue(ctx context.Context, policy queue.RetryPolicy) (queue.Queue, error) {
	switch cfg.Queue.Driver {
	case "postgres":
		ps, ok := e.Store.(*store.PostgresStore)
		if !ok {
			return nil, eris.New("postgres queue requires the postgres store")
		}
		e.PGQueue = queue.NewPostgres(ps.Pool())
		if err := e.PGQueue.Migrate(ctx); err != nil {
			return nil, err
		}
		return e.PGQueue, nil
	case "temporal":
		c, err := queue.DialTemporal(cfg.Queue.Temporal.HostPort, cfg.Queue.Temporal.Namespace)
		if err != nil {
			return nil, err
		}
		e.Temporal = c
		return queue.NewTemporal(c, cfg.Queue.Temporal.TaskQueue, policy), nil
	case "inline":
		return nil, nil
	default:
		return nil, eris.Errorf("unsupported queue driver: %s", cfg.Queue.Driver)
	}
}

func retryPolicy(q config.QueueConfig) queue.RetryPolicy {
	p := queue.DefaultRetryPolicy()
	if q.MaxAttempts > 0 {
		p.MaxAttempts = q.MaxAttempts
	}
	if q.InitialBackoffSecs > 0 {
		p.InitialBackoff = time.Duration(q.InitialBackoffSecs) * time.Second
	}
	if q.MaxBackoffSecs > 0 {
		p.MaxBackoff = time.Duration(q.MaxBackoffSecs) * time.Second
	}
	return p
}

// buildRegistry creates one HTTP job provider per configured spec. All
// providers share a breaker set keyed by provider id.
func buildRegistry(c *config.Config) (*provider.Registry, *resilience.ServiceBreakers, error) {
	rc := c.Resilience
	breakers := resilience.NewServiceBreakers(resilience.FromCircuitConfig(rc.Circuit.FailureThreshold, rc.Circuit.ResetTimeoutSecs))
	retry := resilience.FromRetryConfig(rc.Retry.MaxAttempts, rc.Retry.InitialBackoffMs, rc.Retry.MaxBackoffMs,
		rc.Retry.Multiplier, rc.Retry.JitterFraction)

	reg := provider.NewRegistry()
	for _, spec := range c.Providers {
		p, err := httpjob.New(spec, httpjob.WithBreakers(breakers), httpjob.WithRetry(retry))
		if err != nil {
			return nil, nil, err
		}
		reg.Register(p.Adapter())
	}
	for alias, ids := range c.Aliases {
		if err := reg.SetAlias(alias, ids); err != nil {
			return nil, nil, err
		}
	}
	return reg, breakers, nil
}

func buildNotifier(c config.NotifyConfig) *notify.Fanout {
	sinks := []notify.Sink{notify.LogSink{}}
	if c.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(c.WebhookURL, c.WebhookSecret,
			time.Duration(c.WebhookTimeoutSecs)*time.Second))
	}
	if c.Notion.Token != "" && c.Notion.DatabaseID != "" {
		sinks = append(sinks, notify.NewNotionSink(notify.NewNotionClient(c.Notion.Token, c.Notion.RateLimitRPS),
			c.Notion.DatabaseID))
	}
	return notify.NewFanout(sinks...)
}
