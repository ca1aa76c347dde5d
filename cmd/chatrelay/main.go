package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	migrationsfs "github.com/chatrelay/chatrelay/db"
	"github.com/chatrelay/chatrelay/internal/ai"
	"github.com/chatrelay/chatrelay/internal/audit"
	"github.com/chatrelay/chatrelay/internal/channel"
	"github.com/chatrelay/chatrelay/internal/channel/adapters/cloudapi"
	"github.com/chatrelay/chatrelay/internal/channel/adapters/textmebot"
	"github.com/chatrelay/chatrelay/internal/channel/adapters/webbridge"
	"github.com/chatrelay/chatrelay/internal/chatbots"
	"github.com/chatrelay/chatrelay/internal/config"
	"github.com/chatrelay/chatrelay/internal/contacts"
	"github.com/chatrelay/chatrelay/internal/conversations"
	"github.com/chatrelay/chatrelay/internal/db"
	"github.com/chatrelay/chatrelay/internal/dispatch"
	"github.com/chatrelay/chatrelay/internal/event"
	"github.com/chatrelay/chatrelay/internal/handlers"
	"github.com/chatrelay/chatrelay/internal/logger"
	"github.com/chatrelay/chatrelay/internal/maintenance"
	"github.com/chatrelay/chatrelay/internal/messages"
	"github.com/chatrelay/chatrelay/internal/pipeline"
	"github.com/chatrelay/chatrelay/internal/queue"
	"github.com/chatrelay/chatrelay/internal/reconcile"
	"github.com/chatrelay/chatrelay/internal/responder"
	"github.com/chatrelay/chatrelay/internal/server"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		runMigrate(os.Args[2:])
		return
	}

	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,

			provideDBConn,
			provideRedis,
			provideQueueClient,
			func(c *queue.Client) queue.TaskPublisher { return c },

			event.NewHub,
			func(h *event.Hub) event.Publisher { return h },
			func(h *event.Hub) event.Subscriber { return h },

			chatbots.NewService,
			contacts.NewService,
			conversations.NewService,
			messages.NewService,
			audit.NewService,

			provideAIClient,
			func(c *ai.Client) ai.Generator { return c },

			provideVariantDetector,
			provideCloudAPIAdapter,
			provideBridgeAdapter,
			provideTextMeBotAdapter,
			provideChannelRegistry,

			provideResolver,
			provideProcessor,
			provideDispatcher,
			provideReconciler,
			provideResponder,
			provideMaintenance,

			provideServerHandler(handlers.NewPingHandler),
			provideServerHandler(provideWhatsAppWebhookHandler),
			provideServerHandler(provideBridgeWebhookHandler),
			provideServerHandler(provideTextMeBotWebhookHandler),
			provideServerHandler(handlers.NewConversationsHandler),
			provideServerHandler(provideMessagesHandler),
			provideServerHandler(handlers.NewEventsHandler),

			provideServer,
		),
		fx.Invoke(
			startMaintenance,
			startConsumers,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func runMigrate(args []string) {
	cfg, err := provideConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := provideLogger(cfg)
	command := "up"
	if len(args) > 0 {
		command = args[0]
		args = args[1:]
	}
	if err := db.RunMigrate(log, cfg.Postgres, migrationsfs.MigrationsFS, command, args); err != nil {
		log.Error("migrate failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func provideConfig() (config.Config, error) {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBConn(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	pool, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			pool.Close()
			return nil
		},
	})
	return pool, nil
}

func provideRedis(lc fx.Lifecycle, cfg config.Config) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return rdb.Close()
		},
	})
	return rdb
}

func provideQueueClient(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (*queue.Client, error) {
	client, err := queue.NewClient(context.Background(), log, cfg.RabbitMQ)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			client.Close()
			return nil
		},
	})
	return client, nil
}

func provideAIClient(log *slog.Logger, cfg config.Config) *ai.Client {
	return ai.NewClient(log, cfg.OpenAI)
}

func provideVariantDetector(rdb *redis.Client, cfg config.Config) *webbridge.VariantDetector {
	return webbridge.NewVariantDetector(rdb, 5*time.Second, cfg.Channels.BridgeVariantTTL())
}

func provideCloudAPIAdapter(log *slog.Logger, channels *chatbots.Service, cfg config.Config) *cloudapi.Adapter {
	return cloudapi.NewAdapter(log, channels, cfg.Channels.WhatsAppVerifyToken, cfg.Outbound.SendTimeout())
}

func provideBridgeAdapter(log *slog.Logger, channels *chatbots.Service, detector *webbridge.VariantDetector, cfg config.Config) *webbridge.Adapter {
	return webbridge.NewAdapter(log, channels, detector, cfg.Outbound.SendTimeout())
}

func provideTextMeBotAdapter(log *slog.Logger, channels *chatbots.Service, cfg config.Config) *textmebot.Adapter {
	return textmebot.NewAdapter(log, channels, cfg.Channels.TextMeBotAPIBase, cfg.Outbound.SendTimeout())
}

func provideChannelRegistry(whatsapp *cloudapi.Adapter, bridge *webbridge.Adapter, sms *textmebot.Adapter) *channel.Registry {
	registry := channel.NewRegistry()
	registry.MustRegister(whatsapp)
	registry.MustRegister(bridge)
	registry.MustRegister(sms)
	return registry
}

func provideResolver(log *slog.Logger, contactsService *contacts.Service, conversationsService *conversations.Service, events event.Publisher) *pipeline.Resolver {
	return pipeline.NewResolver(log, contactsService, conversationsService, events)
}

func provideProcessor(log *slog.Logger, channels *chatbots.Service, resolver *pipeline.Resolver, messagesService *messages.Service, tasks queue.TaskPublisher, events event.Publisher) *pipeline.Processor {
	return pipeline.NewProcessor(log, channels, resolver, messagesService, tasks, events)
}

func provideDispatcher(log *slog.Logger, messagesService *messages.Service, channels *chatbots.Service, registry *channel.Registry, events event.Publisher, cfg config.Config) *dispatch.Dispatcher {
	return dispatch.NewDispatcher(log, messagesService, channels, registry, events, cfg.Outbound.SendTimeout())
}

func provideReconciler(log *slog.Logger, messagesService *messages.Service, events event.Publisher) *reconcile.Reconciler {
	return reconcile.NewReconciler(log, messagesService, messagesService, events)
}

func provideResponder(log *slog.Logger, conversationsService *conversations.Service, channels *chatbots.Service, messagesService *messages.Service, generator ai.Generator, tasks queue.TaskPublisher, cfg config.Config) *responder.Responder {
	return responder.NewResponder(log, conversationsService, channels, messagesService, generator, tasks, cfg.OpenAI.Timeout())
}

func provideMaintenance(log *slog.Logger, cfg config.Config, channels *chatbots.Service, detector *webbridge.VariantDetector, auditService *audit.Service) *maintenance.Service {
	return maintenance.NewService(log, cfg.Cleanup, channels, detector, auditService)
}

func provideWhatsAppWebhookHandler(log *slog.Logger, adapter *cloudapi.Adapter, processor *pipeline.Processor, reconciler *reconcile.Reconciler, auditService *audit.Service) *handlers.WhatsAppWebhookHandler {
	return handlers.NewWhatsAppWebhookHandler(log, adapter, processor, reconciler, auditService)
}

func provideBridgeWebhookHandler(log *slog.Logger, adapter *webbridge.Adapter, processor *pipeline.Processor, reconciler *reconcile.Reconciler, auditService *audit.Service) *handlers.BridgeWebhookHandler {
	return handlers.NewBridgeWebhookHandler(log, adapter, processor, reconciler, auditService)
}

func provideTextMeBotWebhookHandler(log *slog.Logger, adapter *textmebot.Adapter, processor *pipeline.Processor, auditService *audit.Service) *handlers.TextMeBotWebhookHandler {
	return handlers.NewTextMeBotWebhookHandler(log, adapter, processor, auditService)
}

func provideMessagesHandler(messagesService *messages.Service, conversationsService *conversations.Service, tasks queue.TaskPublisher) *handlers.MessagesHandler {
	return handlers.NewMessagesHandler(messagesService, conversationsService, tasks)
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

type serverParams struct {
	fx.In

	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Config, params.Logger, params.ServerHandlers)
}

func startMaintenance(lc fx.Lifecycle, svc *maintenance.Service) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return svc.Start(ctx)
		},
		OnStop: func(context.Context) error {
			cancel()
			svc.Stop()
			return nil
		},
	})
}

func startConsumers(lc fx.Lifecycle, logger *slog.Logger, client *queue.Client, cfg config.Config, rsp *responder.Responder, dsp *dispatch.Dispatcher) {
	ctx, cancel := context.WithCancel(context.Background())
	specs := []queue.ConsumerSpec{
		{
			Queue:      queue.QueueAIResponses,
			RoutingKey: queue.RoutingKeyAIResponse,
			Workers:    cfg.RabbitMQ.AIWorkers,
			Prefetch:   cfg.RabbitMQ.PrefetchPerQueue,
			Handle:     queue.JSONHandler(rsp.Respond),
		},
		{
			Queue:      queue.QueueOutboundSend,
			RoutingKey: queue.RoutingKeyOutboundSend,
			Workers:    cfg.RabbitMQ.SendWorkers,
			Prefetch:   cfg.RabbitMQ.PrefetchPerQueue,
			Handle: queue.JSONHandler(func(ctx context.Context, job queue.OutboundSendJob) error {
				return dsp.Dispatch(ctx, job.MessageID)
			}),
		},
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := client.RunConsumers(ctx, specs...); err != nil {
					logger.Error("queue consumers stopped", slog.Any("error", err))
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Stop(ctx)
		},
	})
}
