// Command navigator runs the order processing service: it wires the order
// store, the browser session registry, the automation agents and the
// scheduler, then runs until a termination signal triggers coordinated
// shutdown.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"github.com/drishti-ai/navigator/config"
	devbrowser "github.com/drishti-ai/navigator/features/browser/dev"
	"github.com/drishti-ai/navigator/features/creds/awssecrets"
	"github.com/drishti-ai/navigator/features/model"
	"github.com/drishti-ai/navigator/features/model/anthropic"
	"github.com/drishti-ai/navigator/features/model/bedrock"
	"github.com/drishti-ai/navigator/features/model/openai"
	ordermongo "github.com/drishti-ai/navigator/features/order/mongo"
	progresspulse "github.com/drishti-ai/navigator/features/progress/pulse"
	"github.com/drishti-ai/navigator/runtime/agent"
	"github.com/drishti-ai/navigator/runtime/agent/novaact"
	"github.com/drishti-ai/navigator/runtime/agent/strands"
	"github.com/drishti-ai/navigator/runtime/browser"
	"github.com/drishti-ai/navigator/runtime/order"
	"github.com/drishti-ai/navigator/runtime/order/inmem"
	"github.com/drishti-ai/navigator/runtime/scheduler"
	"github.com/drishti-ai/navigator/runtime/shutdown"
	"github.com/drishti-ai/navigator/telemetry"
)

func main() {
	var (
		configF     = flag.String("config", "", "Path to YAML configuration file")
		healthAddrF = flag.String("health-addr", ":8081", "Health check listen address (empty disables)")
		dbgF        = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "load configuration"})
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewOtelMetrics()

	store, pinger, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "connect order store"})
	}

	registry := browser.NewRegistry(store, logger, metrics,
		browser.WithIdleExpiry(cfg.Browser.IdleExpiry.Std()),
		browser.WithCleanupTimeout(cfg.Browser.CleanupTimeout.Std()),
		browser.WithResourceTimeout(cfg.Browser.ResourceTimeout.Std()),
	)

	// TODO: replace the dev provisioner with the remote browser backend once
	// its Go client ships.
	provisioner := devbrowser.NewProvisioner()

	var awsCfg *aws.Config
	if c, err := awsconfig.LoadDefaultConfig(ctx); err == nil {
		awsCfg = &c
	} else {
		log.Print(ctx, log.KV{K: "msg", V: "aws config unavailable, bedrock and secrets disabled"}, log.KV{K: "err", V: err.Error()})
	}

	planners := buildPlanners(ctx, cfg, awsCfg)
	factories := map[order.Method]agent.Factory{
		order.MethodNovaAct: novaact.Factory(provisioner, registry, logger),
	}
	if len(planners) > 0 {
		factories[order.MethodStrands] = strands.Factory(planners, provisioner, registry, logger,
			strands.Options{MaxSteps: cfg.Models.MaxSteps})
	} else {
		log.Print(ctx, log.KV{K: "msg", V: "no model providers configured, strands method disabled"})
	}
	selector, err := agent.NewSelector(factories)
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "build agent selector"})
	}

	retailers := make(scheduler.Directory, len(cfg.Retailers))
	for _, r := range cfg.Retailers {
		retailers[r.Name] = scheduler.Retailer{Name: r.Name, BaseURL: r.BaseURL, Enabled: r.RetailerEnabled()}
	}

	opts := []scheduler.Option{
		scheduler.WithMaxConcurrent(cfg.Scheduler.MaxConcurrent),
		scheduler.WithMaxQueueSize(cfg.Scheduler.MaxQueueSize),
		scheduler.WithPollInterval(cfg.Scheduler.PollInterval.Std()),
		scheduler.WithSweepInterval(cfg.Scheduler.SweepInterval.Std()),
		scheduler.WithProcessTimeout(cfg.Scheduler.ProcessTimeout.Std()),
		scheduler.WithStopTimeout(cfg.Scheduler.StopTimeout.Std()),
		scheduler.WithClaimLimiter(rate.NewLimiter(rate.Limit(cfg.Scheduler.ClaimsPerSecond), 1)),
		scheduler.WithLogger(logger),
		scheduler.WithMetrics(metrics),
	}
	if cfg.Secrets.Enabled {
		if awsCfg == nil {
			log.Fatal(ctx, errors.New("secrets enabled but aws config unavailable"), log.KV{K: "msg", V: "build credential vault"})
		}
		vault, err := awssecrets.New(secretsmanager.NewFromConfig(*awsCfg), awssecrets.Options{Prefix: cfg.Secrets.Prefix})
		if err != nil {
			log.Fatal(ctx, err, log.KV{K: "msg", V: "build credential vault"})
		}
		opts = append(opts, scheduler.WithVault(vault))
	}
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		sink, err := progresspulse.New(progresspulse.Options{Redis: redisClient})
		if err != nil {
			log.Fatal(ctx, err, log.KV{K: "msg", V: "build progress sink"})
		}
		opts = append(opts, scheduler.WithProgressSink(sink))
	}

	sched, err := scheduler.New(store, selector, registry, retailers, opts...)
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "build scheduler"})
	}

	if *healthAddrF != "" {
		go serveHealth(ctx, *healthAddrF, pinger)
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := sched.Start(runCtx); err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "start scheduler"})
	}

	<-runCtx.Done()
	log.Print(ctx, log.KV{K: "msg", V: "termination signal received"})

	coord := shutdown.NewCoordinator(logger)
	coord.Register("scheduler", sched.Stop)
	coord.Register("store", store.Close)
	if redisClient != nil {
		coord.Register("redis", func(context.Context) error { return redisClient.Close() })
	}
	if err := coord.Run(context.WithoutCancel(ctx), cfg.Shutdown.Timeout.Std()); err != nil {
		log.Print(ctx, log.KV{K: "msg", V: "forced exit"}, log.KV{K: "err", V: err.Error()})
		os.Exit(1)
	}
}

// buildStore connects the Mongo order store, falling back to the in-memory
// store when no URI is configured.
func buildStore(ctx context.Context, cfg config.Config) (order.Store, health.Pinger, error) {
	if cfg.Mongo.URI == "" {
		log.Print(ctx, log.KV{K: "msg", V: "no mongo uri configured, using in-memory store"})
		return inmem.New(), nil, nil
	}
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongodriver.Connect(connectCtx, mongooptions.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return nil, nil, err
	}
	store, err := ordermongo.New(ordermongo.Options{
		Client:     client,
		Database:   cfg.Mongo.Database,
		Collection: cfg.Mongo.Collection,
	})
	if err != nil {
		return nil, nil, err
	}
	return store, store, nil
}

// buildPlanners constructs one planner per configured model provider.
func buildPlanners(ctx context.Context, cfg config.Config, awsCfg *aws.Config) map[model.Provider]model.Planner {
	planners := make(map[model.Provider]model.Planner)
	if cfg.Models.AnthropicAPIKey != "" {
		p, err := anthropic.NewFromAPIKey(cfg.Models.AnthropicAPIKey, cfg.Models.AnthropicModel)
		if err != nil {
			log.Print(ctx, log.KV{K: "msg", V: "anthropic planner disabled"}, log.KV{K: "err", V: err.Error()})
		} else {
			planners[model.ProviderAnthropic] = p
		}
	}
	if cfg.Models.OpenAIAPIKey != "" {
		p, err := openai.NewFromAPIKey(cfg.Models.OpenAIAPIKey, cfg.Models.OpenAIModel)
		if err != nil {
			log.Print(ctx, log.KV{K: "msg", V: "openai planner disabled"}, log.KV{K: "err", V: err.Error()})
		} else {
			planners[model.ProviderOpenAI] = p
		}
	}
	if awsCfg != nil {
		p, err := bedrock.New(bedrockruntime.NewFromConfig(*awsCfg), bedrock.Options{DefaultModel: cfg.Models.BedrockModel})
		if err != nil {
			log.Print(ctx, log.KV{K: "msg", V: "bedrock planner disabled"}, log.KV{K: "err", V: err.Error()})
		} else {
			planners[model.ProviderBedrock] = p
		}
	}
	return planners
}

// serveHealth exposes liveness and readiness endpoints.
func serveHealth(ctx context.Context, addr string, pingers ...health.Pinger) {
	var deps []health.Pinger
	for _, p := range pingers {
		if p != nil {
			deps = append(deps, p)
		}
	}
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.Handler(health.NewChecker(deps...)))
	mux.Handle("/livez", health.Handler(health.NewChecker()))
	log.Print(ctx, log.KV{K: "msg", V: "health endpoint listening"}, log.KV{K: "addr", V: addr})
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error(ctx, err, log.KV{K: "msg", V: "health endpoint failed"})
	}
}
