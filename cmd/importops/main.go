package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/ElPepe57/NewSystem-sub003/internal/app"
	"github.com/ElPepe57/NewSystem-sub003/internal/fx"
	"github.com/ElPepe57/NewSystem-sub003/internal/masterdata/products"
	"github.com/ElPepe57/NewSystem-sub003/internal/masterdata/suppliers"
	"github.com/ElPepe57/NewSystem-sub003/internal/masterdata/warehouses"
	"github.com/ElPepe57/NewSystem-sub003/internal/platform/cache"
	"github.com/ElPepe57/NewSystem-sub003/internal/platform/db"
	"github.com/ElPepe57/NewSystem-sub003/internal/procurement"
	"github.com/ElPepe57/NewSystem-sub003/internal/quotation"
	"github.com/ElPepe57/NewSystem-sub003/internal/reservation"
	"github.com/ElPepe57/NewSystem-sub003/internal/sale"
	"github.com/ElPepe57/NewSystem-sub003/internal/shared"
	"github.com/ElPepe57/NewSystem-sub003/internal/treasury"
	"github.com/ElPepe57/NewSystem-sub003/internal/units"
	"github.com/ElPepe57/NewSystem-sub003/jobs"
)

// shortfallAdapter lets the reservation manager raise purchasing
// requirements without knowing the procurement types.
type shortfallAdapter struct {
	svc *procurement.Service
}

func (a shortfallAdapter) CreateFromShortfall(ctx context.Context, quotationID int64, lines []reservation.ShortfallLine) (int64, error) {
	converted := make([]procurement.ShortfallLine, 0, len(lines))
	for _, line := range lines {
		converted = append(converted, procurement.ShortfallLine{ProductID: line.ProductID, Qty: line.Qty})
	}
	return a.svc.CreateFromShortfall(ctx, quotationID, converted)
}

// saleAdapter bridges the quotation state machine to the sale module.
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

// warehouseAdapter narrows the directory to what receiving needs.
type warehouseAdapter struct {
	repo warehouses.Repository
}

func (a warehouseAdapter) Get(ctx context.Context, id int64) (warehouses.Warehouse, error) {
	return a.repo.Get(ctx, id)
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
		logger.Error("connect postgres", slog.Any("error", err))
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
	warehouseRepo := warehouses.NewRepository(pool)
	supplierSvc := suppliers.NewService(suppliers.NewRepository(pool))

	unitsRepo := units.NewRepository(pool)
	unitsSvc := units.NewService(unitsRepo, auditLogger, units.ServiceConfig{RetryBudget: cfg.AllocationRetryBudget})

	procurementRepo := procurement.NewRepository(pool)
	procurementSvc := procurement.NewService(procurementRepo, unitsSvc, warehouseAdapter{repo: warehouseRepo}, supplierSvc, rates, movements, auditLogger, idempotency)

	reservationRepo := reservation.NewRepository(pool)
	reservationSvc := reservation.NewService(reservationRepo, unitsSvc, shortfallAdapter{svc: procurementSvc}, auditLogger, reservation.ServiceConfig{})

	saleRepo := sale.NewRepository(pool)
	saleSvc := sale.NewService(saleRepo, unitsSvc, auditLogger, logger)

	quotationRepo := quotation.NewRepository(pool)
	quotationSvc := quotation.NewService(quotationRepo, reservationSvc, unitsSvc, saleAdapter{svc: saleSvc},
		rates, movements, auditLogger, logger, quotation.ServiceConfig{
			ValidatedDays:       cfg.VigencyValidatedDays,
			AdvanceDeadlineDays: cfg.AdvanceDeadlineDays,
			AdvancePaidDays:     cfg.VigencyAdvancePaid,
		})

	var jobsHandler *jobs.Handler
	var jobsClient *jobs.Client
	if redisClient != nil {
		redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
		jobsHandler = jobs.NewHandler(asynq.NewInspector(redisOpts), logger)
		jobsClient, err = jobs.NewClient(redisOpts)
		if err != nil {
			logger.Warn("jobs client unavailable", slog.Any("error", err))
			jobsClient = nil
		} else {
			defer func() { _ = jobsClient.Close() }()
		}
	}

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		UnitsHandler:       units.NewHandler(logger, unitsSvc, products.NewRepository(pool)),
		QuotationHandler:   quotation.NewHandler(logger, quotationSvc),
		SaleHandler:        sale.NewHandler(logger, saleSvc),
		ProcurementHandler: procurement.NewHandler(logger, procurementSvc),
		SupplierHandler:    suppliers.NewHandler(logger, supplierSvc),
		JobsHandler:        jobsHandler,
		JobsClient:         jobsClient,
		Pool:               pool,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
