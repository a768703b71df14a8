package stream

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"visionsurvey/internal/logger"
)

// Session is one connected live-feed client.
type Session struct {
	ID      string
	Remote  string
	Started time.Time
	wake    chan struct{}
}

// Wake is signalled (coalesced) whenever a new record may be available.
func (s *Session) Wake() <-chan struct{} {
	return s.wake
}

// HubService tracks live sessions and wakes them after inserts.
type HubService struct {
	sessions map[string]*Session
	mutex    sync.RWMutex
	logger   *logger.Logger
}

func NewHubService(logger *logger.Logger) *HubService {
	return &HubService{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// Register adds a session for a client at remote.
func (h *HubService) Register(remote string) *Session {
	s := &Session{
		ID:      uuid.NewString(),
		Remote:  remote,
		Started: time.Now(),
		wake:    make(chan struct{}, 1),
	}

	h.mutex.Lock()
	h.sessions[s.ID] = s
	total := len(h.sessions)
	h.mutex.Unlock()

	h.logger.Info("Client %s connected (session %s). Total: %d", remote, s.ID, total)
	return s
}

func (h *HubService) Unregister(s *Session) {
	h.mutex.Lock()
	delete(h.sessions, s.ID)
	total := len(h.sessions)
	h.mutex.Unlock()

	h.logger.Info("Client %s disconnected (session %s, %s). Total: %d",
		s.Remote, s.ID, time.Since(s.Started).Round(time.Second), total)
}

// Notify wakes every session without blocking; pending wake-ups coalesce.
func (h *HubService) Notify() {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	for _, s := range h.sessions {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

func (h *HubService) GetClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.sessions)
}
