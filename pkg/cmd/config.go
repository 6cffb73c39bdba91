package cmd

import (
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/dukex/convoflow/pkg/dedup"
	"github.com/dukex/convoflow/pkg/scheduler"
)

// Config is the runtime configuration shared by every binary.
type Config struct {
	DatabaseURL string
	EventBus    string
	Brokers     string
	RedisURL    string
	GatewayURL  string
	LogLevel    string
	LogFormat   string
	OTelEnabled bool
	ServiceName string
	Scheduler   scheduler.Config
	Dedup       dedup.Options
}

// CommonFlags are accepted by every binary.
func CommonFlags() []cli.Flag {
	defaults := scheduler.DefaultConfig()
	dedupDefaults := dedup.DefaultOptions()

	return []cli.Flag{
		&cli.StringFlag{
			Name:     "database-url",
			Usage:    "Database connection URL (file://, mongodb://, postgres://)",
			Required: true,
			Sources:  cli.EnvVars("DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:    "event-bus",
			Usage:   "Event bus type (gochannel, kafka)",
			Value:   "gochannel",
			Sources: cli.EnvVars("EVENT_BUS_TYPE"),
		},
		&cli.StringFlag{
			Name:    "kafka-brokers",
			Usage:   "Comma separated Kafka brokers",
			Value:   "localhost:9092",
			Sources: cli.EnvVars("KAFKA_BROKERS"),
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "Redis URL for deduplication shared between workers",
			Sources: cli.EnvVars("REDIS_URL"),
		},
		&cli.StringFlag{
			Name:    "messaging-gateway-url",
			Usage:   "Base URL of the outbound messaging gateway",
			Sources: cli.EnvVars("MESSAGING_GATEWAY_URL"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "Log format (text, json)",
			Value:   "text",
			Sources: cli.EnvVars("LOG_FORMAT"),
		},
		&cli.BoolFlag{
			Name:    "otel-enabled",
			Usage:   "Export traces over OTLP/HTTP",
			Sources: cli.EnvVars("OTEL_ENABLED"),
		},
		&cli.DurationFlag{
			Name:    "scheduler-poll-interval",
			Usage:   "How often the scheduler polls for due jobs",
			Value:   defaults.PollInterval,
			Sources: cli.EnvVars("SCHEDULER_POLL_INTERVAL"),
		},
		&cli.IntFlag{
			Name:    "scheduler-batch-size",
			Usage:   "Maximum due jobs claimed per poll",
			Value:   defaults.BatchSize,
			Sources: cli.EnvVars("SCHEDULER_BATCH_SIZE"),
		},
		&cli.DurationFlag{
			Name:    "scheduler-job-timeout",
			Usage:   "Maximum duration of one job run",
			Value:   defaults.JobTimeout,
			Sources: cli.EnvVars("SCHEDULER_JOB_TIMEOUT"),
		},
		&cli.DurationFlag{
			Name:    "dedup-ttl",
			Usage:   "How long an inbound message id is remembered",
			Value:   dedupDefaults.TTL,
			Sources: cli.EnvVars("DEDUP_TTL"),
		},
		&cli.IntFlag{
			Name:    "dedup-capacity",
			Usage:   "Maximum message ids remembered in memory",
			Value:   dedupDefaults.Capacity,
			Sources: cli.EnvVars("DEDUP_CAPACITY"),
		},
	}
}

// PortFlag is accepted by binaries serving the HTTP API.
func PortFlag(defaultPort int) cli.Flag {
	return &cli.IntFlag{
		Name:    "port",
		Aliases: []string{"p"},
		Usage:   "Port to run the API server on",
		Value:   defaultPort,
		Sources: cli.EnvVars("PORT"),
	}
}

// ConfigFromCommand reads CommonFlags from a parsed command.
func ConfigFromCommand(command *cli.Command, serviceName string) Config {
	sched := scheduler.DefaultConfig()
	sched.PollInterval = command.Duration("scheduler-poll-interval")
	sched.BatchSize = command.Int("scheduler-batch-size")
	sched.JobTimeout = command.Duration("scheduler-job-timeout")

	return Config{
		DatabaseURL: command.String("database-url"),
		EventBus:    command.String("event-bus"),
		Brokers:     command.String("kafka-brokers"),
		RedisURL:    command.String("redis-url"),
		GatewayURL:  command.String("messaging-gateway-url"),
		LogLevel:    command.String("log-level"),
		LogFormat:   command.String("log-format"),
		OTelEnabled: command.Bool("otel-enabled"),
		ServiceName: serviceName,
		Scheduler:   sched,
		Dedup: dedup.Options{
			TTL:      command.Duration("dedup-ttl"),
			Capacity: command.Int("dedup-capacity"),
		},
	}
}

// DefaultShutdownTimeout bounds graceful shutdown of servers and in-flight executions.
const DefaultShutdownTimeout = 15 * time.Second
