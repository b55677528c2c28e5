package jobqueue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/crewdeskhq/crewdesk/internal/pkg/billing"
	"github.com/crewdeskhq/crewdesk/internal/pkg/env"
	"github.com/crewdeskhq/crewdesk/internal/pkg/mail"
	"github.com/gofiber/fiber/v2/log"
)

// Manager schedules the recurring billing maintenance tasks: the expired
// trial sweep and the population subscription sync. At most one run of each
// task is in flight at any time; a tick that arrives while the previous run
// is still busy is skipped.
type Manager struct {
	services *billing.Services

	trialSweepTicker *time.Ticker
	syncTicker       *time.Ticker
	stopCh           chan struct{}
	wg               sync.WaitGroup
	mu               sync.Mutex
	running          bool

	trialSweepBusy sync.Mutex
	syncBusy       sync.Mutex
}

var (
	globalManager *Manager
	managerOnce   sync.Once
)

// InitializeManager wires the global manager against the billing services.
func InitializeManager(services *billing.Services) *Manager {
	managerOnce.Do(func() {
		globalManager = &Manager{
			services: services,
			stopCh:   make(chan struct{}),
		}
	})
	return globalManager
}

// GetManager returns the global job manager (singleton)
func GetManager() *Manager {
	if globalManager == nil {
		panic("Job manager not initialized. Call InitializeManager first.")
	}
	return globalManager
}

// Start starts the background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[JobManager] Starting billing background tasks")

	sweepInterval := envMinutes("TRIAL_SWEEP_INTERVAL_MINUTES", 60)
	syncInterval := envMinutes("SUBSCRIPTION_SYNC_INTERVAL_MINUTES", 360)

	m.trialSweepTicker = time.NewTicker(sweepInterval)
	m.wg.Add(1)
	go m.trialSweepWorker(sweepInterval)

	m.syncTicker = time.NewTicker(syncInterval)
	m.wg.Add(1)
	go m.syncWorker(syncInterval)

	log.Info("[JobManager] Started successfully")
}

// Stop stops the background tasks
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobManager] Stopping billing background tasks...")

	if m.trialSweepTicker != nil {
		m.trialSweepTicker.Stop()
	}
	if m.syncTicker != nil {
		m.syncTicker.Stop()
	}

	// Signal workers to stop
	close(m.stopCh)
	m.running = false

	// Wait for background workers to finish
	m.wg.Wait()

	log.Info("[JobManager] Stopped successfully")
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) trialSweepWorker(interval time.Duration) {
	defer m.wg.Done()
	log.Infof("[JobManager] Started trial sweep worker (interval: %s)", interval)

	for {
		select {
		case <-m.stopCh:
			log.Info("[JobManager] Trial sweep worker stopping")
			return
		case <-m.trialSweepTicker.C:
			if err := m.RunTrialSweepOnce(); err != nil {
				log.Errorf("[JobManager] Trial sweep error: %v", err)
			}
		}
	}
}

func (m *Manager) syncWorker(interval time.Duration) {
	defer m.wg.Done()
	log.Infof("[JobManager] Started subscription sync worker (interval: %s)", interval)

	for {
		select {
		case <-m.stopCh:
			log.Info("[JobManager] Subscription sync worker stopping")
			return
		case <-m.syncTicker.C:
			if err := m.RunSubscriptionSyncOnce(); err != nil {
				log.Errorf("[JobManager] Subscription sync error: %v", err)
			}
		}
	}
}

// RunTrialSweepOnce runs a single expired-trial sweep. Skips silently when a
// sweep is already in flight.
func (m *Manager) RunTrialSweepOnce() error {
	if !m.trialSweepBusy.TryLock() {
		log.Debug("[JobManager] Trial sweep already running, skipping tick")
		return nil
	}
	defer m.trialSweepBusy.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	result, err := m.services.Trials.DowngradeExpiredTrials(ctx, time.Now(), false, 0)
	if err != nil {
		return err
	}
	m.notifySweepResult(result)
	return nil
}

// RunSubscriptionSyncOnce runs a single population sync. Skips silently when
// a sync is already in flight.
func (m *Manager) RunSubscriptionSyncOnce() error {
	if !m.syncBusy.TryLock() {
		log.Debug("[JobManager] Subscription sync already running, skipping tick")
		return nil
	}
	defer m.syncBusy.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	window := envHours("SUBSCRIPTION_SYNC_WINDOW_HOURS", 24)

	_, err := m.services.Sync.SyncPopulation(ctx, billing.SyncOptions{
		Window:      window,
		UpdateRoles: true,
	})
	return err
}

// notifySweepResult mails an ops summary when a sweep changed roles and an
// admin address is configured.
func (m *Manager) notifySweepResult(result billing.TrialSweepResult) {
	if result.Downgraded == 0 && result.Errors == 0 {
		return
	}
	adminEmail := env.GetEnv("ADMIN_EMAIL", "")
	if adminEmail == "" {
		return
	}
	body := fmt.Sprintf(
		"Trial sweep finished.<br>Downgraded: %d<br>Premium retained: %d<br>Skipped: %d<br>Errors: %d",
		result.Downgraded, result.PremiumRetained, result.Skipped, result.Errors,
	)
	if err := mail.SendMail(adminEmail, "CrewDesk trial sweep summary", body); err != nil {
		log.Warnf("[JobManager] Sweep summary mail failed: %v", err)
	}
}

func envMinutes(key string, def int) time.Duration {
	v, err := strconv.Atoi(env.GetEnv(key, strconv.Itoa(def)))
	if err != nil || v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Minute
}

func envHours(key string, def int) time.Duration {
	v, err := strconv.Atoi(env.GetEnv(key, strconv.Itoa(def)))
	if err != nil || v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Hour
}
