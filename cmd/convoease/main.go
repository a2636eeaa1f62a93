package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/convoease/convoease/moderation/content"
	"github.com/convoease/convoease/moderation/engine"
	"github.com/convoease/convoease/util/cliutil"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "convoease",
		Usage:   "moderates conversation content against free-text group rules",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "inference-host",
			Usage:   "base URL of OpenAI-compatible inference API",
			Value:   "https://api.groq.com/openai/v1",
			EnvVars: []string{"CONVOEASE_INFERENCE_HOST"},
		},
		&cli.StringFlag{
			Name:    "api-key",
			Usage:   "inference API key; if not set, content is accepted without moderation",
			EnvVars: []string{"GROQ_API_KEY", "CONVOEASE_API_KEY"},
		},
		&cli.StringFlag{
			Name:    "text-model",
			Usage:   "model used to judge text against rules",
			Value:   "llama-3.1-70b-versatile",
			EnvVars: []string{"CONVOEASE_TEXT_MODEL"},
		},
		&cli.StringFlag{
			Name:    "vision-model",
			Usage:   "model used to caption images",
			Value:   "llama-3.2-11b-vision-preview",
			EnvVars: []string{"CONVOEASE_VISION_MODEL"},
		},
		&cli.StringFlag{
			Name:    "audio-model",
			Usage:   "model used to transcribe audio",
			Value:   "whisper-large-v3",
			EnvVars: []string{"CONVOEASE_AUDIO_MODEL"},
		},
		&cli.DurationFlag{
			Name:    "judge-timeout",
			Usage:   "max duration of a single judgment call; slower calls are accepted fail-open",
			Value:   30 * time.Second,
			EnvVars: []string{"CONVOEASE_JUDGE_TIMEOUT"},
		},
		&cli.DurationFlag{
			Name:    "normalize-timeout",
			Usage:   "max duration of a single captioning or transcription call",
			Value:   60 * time.Second,
			EnvVars: []string{"CONVOEASE_NORMALIZE_TIMEOUT"},
		},
		&cli.Float64Flag{
			Name:    "inference-rate-limit",
			Usage:   "max inference API requests per second (0 for no limit)",
			Value:   10,
			EnvVars: []string{"CONVOEASE_INFERENCE_RATE_LIMIT"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis connection URL for verdict cache, counters and flags; in-process stores if not set",
			EnvVars: []string{"CONVOEASE_REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "database for the moderation archive (sqlite or postgres); archiving disabled if not set",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			EnvVars: []string{"CONVOEASE_MAX_DB_CONNECTIONS"},
			Value:   20,
		},
		&cli.BoolFlag{
			Name:    "db-tracing",
			Usage:   "emit OpenTelemetry spans for archive database queries",
			EnvVars: []string{"CONVOEASE_DB_TRACING"},
		},
		&cli.StringFlag{
			Name:    "slack-webhook-url",
			Usage:   "full URL of slack webhook for flagged content notifications",
			EnvVars: []string{"SLACK_WEBHOOK_URL"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			EnvVars: []string{"CONVOEASE_LOG_LEVEL", "LOG_LEVEL"},
		},
	}

	app.Commands = []*cli.Command{
		serveCmd,
		checkCmd,
	}

	return app.Run(args)
}

func configLogger(cctx *cli.Context, out io.Writer) (*slog.Logger, error) {
	return cliutil.SetupSlog(cliutil.LogOptions{LogLevel: cctx.String("log-level"), Output: out})
}

func configFromCLI(cctx *cli.Context, logger *slog.Logger) Config {
	return Config{
		Logger:             logger,
		InferenceHost:      cctx.String("inference-host"),
		APIKey:             cctx.String("api-key"),
		TextModel:          cctx.String("text-model"),
		VisionModel:        cctx.String("vision-model"),
		AudioModel:         cctx.String("audio-model"),
		JudgeTimeout:       cctx.Duration("judge-timeout"),
		NormalizeTimeout:   cctx.Duration("normalize-timeout"),
		InferenceRateLimit: cctx.Float64("inference-rate-limit"),
		RedisURL:           cctx.String("redis-url"),
		DatabaseURL:        cctx.String("database-url"),
		MaxDBConnections:   cctx.Int("max-db-connections"),
		DBTracing:          cctx.Bool("db-tracing"),
		SlackWebhookURL:    cctx.String("slack-webhook-url"),
	}
}

var serveCmd = &cli.Command{
	Name:  "serve",
	Usage: "run the moderation HTTP API",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for HTTP APIs",
			Value:   ":8330",
			EnvVars: []string{"CONVOEASE_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":8331",
			EnvVars: []string{"CONVOEASE_METRICS_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "default-rules",
			Usage:   "rules for new conversations which don't specify any",
			EnvVars: []string{"CONVOEASE_DEFAULT_RULES"},
		},
	},
	Action: func(cctx *cli.Context) error {
		logger, err := configLogger(cctx, os.Stdout)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		shutdownTracing, err := setupTracing(ctx, logger)
		if err != nil {
			return fmt.Errorf("failed to create trace exporter: %w", err)
		}
		defer shutdownTracing()

		config := configFromCLI(cctx, logger)
		config.Bind = cctx.String("bind")
		config.DefaultRules = cctx.String("default-rules")
		srv, err := NewServer(config)
		if err != nil {
			return err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			if err := RunMetrics(gctx, cctx.String("metrics-listen")); err != nil {
				return fmt.Errorf("failed to start metrics endpoint: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			if err := srv.RunAPI(gctx); err != nil {
				return fmt.Errorf("failed to run moderation API: %w", err)
			}
			return nil
		})
		return g.Wait()
	},
}

var checkCmd = &cli.Command{
	Name:      "check",
	Usage:     "moderate a single message or media file, printing the result as JSON",
	ArgsUsage: "<text-or-path>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "rules",
			Usage:    "group rules to check against",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "kind",
			Usage: "content kind: text, image or audio",
			Value: "text",
		},
		&cli.StringFlag{
			Name:  "sender",
			Value: engine.AnonymousSender,
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx := context.Background()
		arg := cctx.Args().First()
		if arg == "" {
			return fmt.Errorf("need to provide text or a file path as an argument")
		}
		kind, err := content.ParseKind(cctx.String("kind"))
		if err != nil {
			return err
		}

		// keep stdout for the result
		logger, err := configLogger(cctx, os.Stderr)
		if err != nil {
			return err
		}
		eng, err := NewEngine(configFromCLI(cctx, logger))
		if err != nil {
			return err
		}
		conv, err := engine.NewConversation("cli", cctx.String("rules"))
		if err != nil {
			return err
		}

		sub := engine.TextSubmission(cctx.String("sender"), arg)
		if kind.IsMedia() {
			payload, err := os.ReadFile(arg)
			if err != nil {
				return err
			}
			sub = engine.Submission{
				Sender:  cctx.String("sender"),
				Kind:    kind,
				Payload: payload,
				Format:  strings.TrimPrefix(filepath.Ext(arg), "."),
			}
		}

		item, err := eng.Submit(ctx, conv, sub)
		if err != nil {
			return err
		}
		b, err := json.MarshalIndent(itemView(*item), "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(b))
		return nil
	},
}
