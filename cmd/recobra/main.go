package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/recobra/recobra/cmd/recobra/cli"
	"github.com/recobra/recobra/internal/app"
	"github.com/recobra/recobra/internal/banking"
	"github.com/recobra/recobra/internal/billing"
	"github.com/recobra/recobra/internal/dunning"
	"github.com/recobra/recobra/internal/erp"
	"github.com/recobra/recobra/internal/mail"
	"github.com/recobra/recobra/internal/platform/db"
	"github.com/recobra/recobra/internal/rules"
	"github.com/recobra/recobra/internal/settlement"
	"github.com/recobra/recobra/internal/shared"
	"github.com/recobra/recobra/jobs"
)

const usage = `usage: recobra <command> [flags]

commands:
  reconcile   enqueue a reconciliation run
  dispatch    enqueue a dunning dispatch run
  queue       inspect the job queue
  send        send one collection email now
  settle      mark a receivable paid
  rules       list configured dunning tiers
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := app.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "recobra: load config: %v\n", err)
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	switch os.Args[1] {
	case "reconcile":
		os.Exit(triggerCommand(ctx, cfg, jobs.TaskReconcileRun))
	case "dispatch":
		os.Exit(triggerCommand(ctx, cfg, jobs.TaskDispatchRun))
	case "queue":
		os.Exit(queueCommand(ctx, cfg))
	case "send":
		os.Exit(sendCommand(ctx, cfg, logger, os.Args[2:]))
	case "settle":
		os.Exit(settleCommand(ctx, cfg, logger, os.Args[2:]))
	case "rules":
		os.Exit(rulesCommand(ctx, cfg, os.Args[2:]))
	default:
		fmt.Fprintf(os.Stderr, "recobra: unknown command %q\n", os.Args[1])
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func triggerCommand(ctx context.Context, cfg *app.Config, taskType string) int {
	jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "recobra: %v\n", err)
		return 1
	}
	defer jobsCLI.Close()

	info, err := jobsCLI.Trigger(ctx, taskType)
	if err != nil {
		fmt.Fprintf(os.Stderr, "recobra: trigger %s: %v\n", taskType, err)
		return 1
	}
	fmt.Printf("enqueued %s (task %s)\n", taskType, info.ID)
	return 0
}

func queueCommand(ctx context.Context, cfg *app.Config) int {
	jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "recobra: %v\n", err)
		return 1
	}
	defer jobsCLI.Close()

	stats, err := jobsCLI.InspectQueue(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "recobra: inspect queue: %v\n", err)
		return 1
	}
	fmt.Printf("queue %s: pending=%d active=%d scheduled=%d retry=%d\n",
		stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)

	scheduled, err := jobsCLI.ListScheduled(ctx, 10)
	if err != nil {
		fmt.Fprintf(os.Stderr, "recobra: list scheduled: %v\n", err)
		return 1
	}
	for _, task := range scheduled {
		fmt.Printf("  scheduled %s at %s\n", task.Type, task.NextProcessAt.Format("2006-01-02 15:04:05"))
	}
	return 0
}

func sendCommand(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	receivableID := fs.Int64("receivable", 0, "receivable id")
	templateID := fs.Int64("template", 0, "message template id")
	recipients := fs.String("to", "", "comma-separated extra recipients")
	_ = fs.Parse(args)

	ops, pool, err := buildOps(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "recobra: %v\n", err)
		return 1
	}
	defer pool.Close()

	return ops.SendCommand(ctx, cli.SendOptions{
		ReceivableID: *receivableID,
		TemplateID:   *templateID,
		Recipients:   splitRecipients(*recipients),
	})
}

func settleCommand(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("settle", flag.ExitOnError)
	receivableID := fs.Int64("receivable", 0, "receivable id")
	paidValue := fs.Float64("value", 0, "paid value")
	paidAt := fs.String("paid-at", "", "payment date (YYYY-MM-DD, default today)")
	actorID := fs.Int64("actor", 0, "operator user id")
	_ = fs.Parse(args)

	ops, pool, err := buildOps(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "recobra: %v\n", err)
		return 1
	}
	defer pool.Close()

	return ops.SettleCommand(ctx, cli.SettleOptions{
		ReceivableID: *receivableID,
		PaidValue:    *paidValue,
		PaidAt:       *paidAt,
		ActorID:      *actorID,
	})
}

func rulesCommand(ctx context.Context, cfg *app.Config, args []string) int {
	fs := flag.NewFlagSet("rules", flag.ExitOnError)
	includeInactive := fs.Bool("all", false, "include inactive rules")
	jsonOutput := fs.Bool("json", false, "print JSON")
	_ = fs.Parse(args)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "recobra: connect database: %v\n", err)
		return 1
	}
	defer pool.Close()

	ops := &cli.OpsCLI{Rules: rules.NewService(rules.NewRepository(pool))}
	return ops.RulesCommand(ctx, cli.RulesOptions{
		IncludeInactive: *includeInactive,
		JSONOutput:      *jsonOutput,
	})
}

// buildOps wires the manual-action services directly against the database
// and the remote adapters so errors surface synchronously to the operator.
func buildOps(ctx context.Context, cfg *app.Config, logger *slog.Logger) (*cli.OpsCLI, *pgxpool.Pool, error) {
	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}

	repo := billing.NewRepository(pool)
	erpClient := erp.NewClient(cfg.ERPBaseURL, cfg.ERPClientID, cfg.ERPClientSecret)
	bankClient := banking.NewClient(cfg.BankBaseURL, cfg.BankClientID, cfg.BankClientSecret)
	mailer := mail.NewSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword, cfg.SMTPFrom)

	dunningService := dunning.NewService(dunning.Config{
		Storage: repo,
		Bank:    bankClient,
		ERP:     erpClient,
		Mailer:  mailer,
		Logger:  logger,
	})
	settlementService := settlement.NewService(repo, erpClient, bankClient, shared.NewAuditLogger(pool), logger)

	ops := &cli.OpsCLI{
		Sender:  dunningService,
		Settler: settlementService,
		Rules:   rules.NewService(rules.NewRepository(pool)),
	}
	return ops, pool, nil
}

func splitRecipients(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
