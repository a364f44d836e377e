package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/ElPepe57/NewSystem-sub003/internal/app"
	"github.com/ElPepe57/NewSystem-sub003/internal/fx"
	"github.com/ElPepe57/NewSystem-sub003/internal/platform/cache"
	"github.com/ElPepe57/NewSystem-sub003/internal/platform/db"
	"github.com/ElPepe57/NewSystem-sub003/internal/quotation"
	"github.com/ElPepe57/NewSystem-sub003/internal/reservation"
	"github.com/ElPepe57/NewSystem-sub003/internal/sale"
	"github.com/ElPepe57/NewSystem-sub003/internal/shared"
	"github.com/ElPepe57/NewSystem-sub003/internal/treasury"
	"github.com/ElPepe57/NewSystem-sub003/internal/units"
	"github.com/ElPepe57/NewSystem-sub003/jobs"
)

type saleAdapter struct {
	svc *sale.Service
}

func (a saleAdapter) CreateFromQuotation(ctx context.Context, input quotation.SaleInput) (quotation.SaleResult, error) {
	lines := make([]sale.CreateLineInput, 0, len(input.Lines))
	for _, line := range input.Lines {
		lines = append(lines, sale.CreateLineInput{ProductID: line.ProductID, Qty: line.Qty, UnitPrice: line.UnitPrice})
	}
	created, err := a.svc.CreateFromQuotation(ctx, sale.CreateInput{
		QuotationID:     input.QuotationID,
		QuotationNumber: input.QuotationNumber,
		CustomerName:    input.CustomerName,
		Total:           input.Total,
		Lines:           lines,
		ActorID:         input.ActorID,
	})
	if err != nil {
		return quotation.SaleResult{}, err
	}
	return quotation.SaleResult{SaleID: created.ID, StockShort: created.StockShort}, nil
}

// noRequirements is used by the worker: expiry and reconciliation never
// raise new purchasing requirements.
type noRequirements struct{}

func (noRequirements) CreateFromShortfall(ctx context.Context, quotationID int64, lines []reservation.ShortfallLine) (int64, error) {
	return 0, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, fx cache disabled", slog.Any("error", err))
		redisClient = nil
	}
	defer func() {
		if redisClient != nil {
			_ = redisClient.Close()
		}
	}()

	auditLogger := shared.NewAuditLogger(pool)
	idempotency := shared.NewIdempotencyStore(pool)
	movements := treasury.NewLedger(pool)
	rates := fx.NewCachedProvider(fx.NewHTTPProvider(cfg.FXAPIURL), redisClient, cfg.FXCacheTTL)

	unitsRepo := units.NewRepository(pool)
	unitsSvc := units.NewService(unitsRepo, auditLogger, units.ServiceConfig{RetryBudget: cfg.AllocationRetryBudget})

	reservationRepo := reservation.NewRepository(pool)
	reservationSvc := reservation.NewService(reservationRepo, unitsSvc, noRequirements{}, auditLogger, reservation.ServiceConfig{})

	saleRepo := sale.NewRepository(pool)
	saleSvc := sale.NewService(saleRepo, unitsSvc, auditLogger, logger)

	quotationRepo := quotation.NewRepository(pool)
	quotationSvc := quotation.NewService(quotationRepo, reservationSvc, unitsSvc, saleAdapter{svc: saleSvc},
		rates, movements, auditLogger, logger, quotation.ServiceConfig{
			ValidatedDays:       cfg.VigencyValidatedDays,
			AdvanceDeadlineDays: cfg.AdvanceDeadlineDays,
			AdvancePaidDays:     cfg.VigencyAdvancePaid,
		})

	now := time.Now().UTC()
	expiryTask, err := jobs.NewQuotationExpiryTask(now)
	if err != nil {
		logger.Error("build expiry task", slog.Any("error", err))
		os.Exit(1)
	}
	reconcileTask, err := jobs.NewReleaseReconcileTask(now)
	if err != nil {
		logger.Error("build reconcile task", slog.Any("error", err))
		os.Exit(1)
	}
	cleanupTask, err := jobs.NewIdempotencyCleanupTask(now)
	if err != nil {
		logger.Error("build cleanup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskQuotationExpiry, Handler: jobs.NewQuotationExpiryHandler(quotationSvc, logger)},
			{Type: jobs.TaskReleaseReconcile, Handler: jobs.NewReleaseReconcileHandler(reservationSvc, logger)},
			{Type: jobs.TaskIdempotencyCleanup, Handler: jobs.NewIdempotencyCleanupHandler(idempotency, logger)},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "*/15 * * * *", Task: expiryTask},
			{Spec: "*/5 * * * *", Task: reconcileTask},
			{Spec: "0 4 * * *", Task: cleanupTask},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("worker starting")
	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
}
