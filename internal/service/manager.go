package service

import (
	"context"
	"sync"

	"visionsurvey/internal/config"
	"visionsurvey/internal/logger"
	"visionsurvey/internal/repository"
	"visionsurvey/internal/service/classifier"
	"visionsurvey/internal/service/query"
	"visionsurvey/internal/service/storage"
	"visionsurvey/internal/service/stream"
	"visionsurvey/internal/service/watcher"
)

// Manager owns the long-running services and hands them to HTTP handlers.
type Manager struct {
	detector     classifier.Detector
	outputStore  *storage.OutputStore
	watcher      *watcher.Watcher
	hubService   *stream.HubService
	dispatcher   *stream.Dispatcher
	queryService *query.Service
	logger       *logger.Logger

	wg sync.WaitGroup
}

// NewManager wires the ingestion and delivery services around repo.
// A nil detector means no model: the watcher keeps input files until one is loaded.
func NewManager(config *config.Config, repo repository.RecordRepository, detector classifier.Detector, logger *logger.Logger) (*Manager, error) {
	outputs, err := storage.NewOutputStore(config, logger)
	if err != nil {
		return nil, err
	}

	if detector == nil {
		detector = unloadedDetector{}
	}
	cls, err := classifier.New(detector, classifier.WithPreview(config.PreviewPath))
	if err != nil {
		return nil, err
	}

	w, err := watcher.New(config, cls, repo, outputs, logger)
	if err != nil {
		return nil, err
	}

	hub := stream.NewHubService(logger)
	w.SetNotifier(hub)

	return &Manager{
		detector:     detector,
		outputStore:  outputs,
		watcher:      w,
		hubService:   hub,
		dispatcher:   stream.NewDispatcher(config, repo, hub, logger),
		queryService: query.NewService(config, repo),
		logger:       logger,
	}, nil
}

// Start runs the watcher in the background until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.watcher.Run(ctx); err != nil {
			m.logger.Error("Watcher exited: %v", err)
		}
	}()
	m.logger.Info("🎬 Manager started")
}

// Wait blocks until background services have stopped.
func (m *Manager) Wait() {
	m.wg.Wait()
	m.logger.Info("🛑 Background services stopped")
}

// DetectorLoaded reports whether a detection model is available.
func (m *Manager) DetectorLoaded() bool {
	return m.detector.Loaded()
}

func (m *Manager) GetOutputStore() *storage.OutputStore {
	return m.outputStore
}

func (m *Manager) GetHubService() *stream.HubService {
	return m.hubService
}

func (m *Manager) GetDispatcher() *stream.Dispatcher {
	return m.dispatcher
}

func (m *Manager) GetQueryService() *query.Service {
	return m.queryService
}

// unloadedDetector stands in when no model could be constructed.
type unloadedDetector struct{}

func (unloadedDetector) Loaded() bool { return false }

func (unloadedDetector) Detect(ctx context.Context, imageData []byte) (classifier.Detections, error) {
	return classifier.Detections{}, classifier.ErrClassifierUnavailable
}
