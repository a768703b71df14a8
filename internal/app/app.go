package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"visionsurvey/internal/config"
	"visionsurvey/internal/handler"
	"visionsurvey/internal/logger"
	"visionsurvey/internal/repository/sqlite"
	"visionsurvey/internal/route"
	"visionsurvey/internal/service"
	"visionsurvey/internal/service/ai"
)

const shutdownTimeout = 10 * time.Second

type App struct {
	config          *config.Config
	logger          *logger.Logger
	db              *sqlite.DB
	detectorService *ai.DetectorService
	manager         *service.Manager
}

// NewApp loads configuration and builds every service. A missing model is not
// fatal: the server runs and ingestion waits for a model.
func NewApp() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.NewLogger(cfg.LogDirectory)
	if err != nil {
		return nil, err
	}

	db, err := sqlite.Open(cfg.DatabaseDriver, cfg.DatabasePath)
	if err != nil {
		log.Close()
		return nil, err
	}

	detector := ai.NewDetectorService(cfg, log)
	if !detector.Loaded() {
		log.Warning("No detection model loaded from %s, input files will wait", cfg.ModelPath)
	}

	mng, err := service.NewManager(cfg, sqlite.NewRecordRepository(db), detector, log)
	if err != nil {
		detector.Close()
		db.Close()
		log.Close()
		return nil, err
	}

	return &App{
		config:          cfg,
		logger:          log,
		db:              db,
		detectorService: detector,
		manager:         mng,
	}, nil
}

// Run serves HTTP and runs background services until SIGINT or SIGTERM.
func (a *App) Run() error {
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start background services
	a.manager.Start(ctx)
	if a.config.CamerasPort > 0 {
		go handler.UDPCameraHandler(ctx, a.config, a.logger)
	}

	// Setup routes
	router := route.SetupRoutes(a.manager, a.config, a.logger)
	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", a.config.Host, a.config.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// Strumienie kończą się razem z kontekstem sygnału
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	fmt.Printf("🚀 Vision Survey Server\n")
	fmt.Printf("📍 URL: http://localhost:%d\n", a.config.Port)
	fmt.Printf("📥 Input: %s\n", a.config.InputDirectory)
	fmt.Printf("📁 Output: %s\n", a.config.OutputDirectory)
	fmt.Printf("🗄️  Database: %s (%s)\n", a.config.DatabasePath, a.config.DatabaseDriver)
	fmt.Printf("🤖 AI Model: %s (loaded: %v)\n", a.config.ModelPath, a.detectorService.Loaded())

	serveErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("Shutting down")
	case err := <-serveErr:
		runErr = err
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("HTTP shutdown: %v", err)
	}

	a.manager.Wait()
	return runErr
}

func (a *App) close() {
	if err := a.detectorService.Close(); err != nil {
		a.logger.Error("Failed to close detector: %v", err)
	}
	if err := a.db.Close(); err != nil {
		a.logger.Error("Failed to close database: %v", err)
	}
	a.logger.Close()
}
