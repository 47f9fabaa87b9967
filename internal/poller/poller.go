package poller

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"greadersync/internal/cache"
	"greadersync/internal/syncer"
)

// Poller runs the sync orchestrator on a fixed interval. Failed tag pushes
// need no special retry handling here: pending sets survive a failed cycle
// and go out with the next one.
type Poller struct {
	orchestrator *syncer.Orchestrator
	cacheManager *cache.Manager
	syncInterval time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	mu           sync.RWMutex
	lastSynced   time.Time
	isRunning    bool
}

func New(orchestrator *syncer.Orchestrator, cacheManager *cache.Manager, syncInterval time.Duration) *Poller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		orchestrator: orchestrator,
		cacheManager: cacheManager,
		syncInterval: syncInterval,
		ctx:          ctx,
		cancel:       cancel,
	}
}

func (p *Poller) Start() {
	p.mu.Lock()
	if p.isRunning {
		p.mu.Unlock()
		return
	}
	p.isRunning = true
	p.mu.Unlock()

	log.Printf("Starting background sync with interval: %v", p.syncInterval)

	p.wg.Add(1)
	go p.syncLoop()
}

func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.isRunning {
		p.mu.Unlock()
		return
	}
	p.isRunning = false
	p.mu.Unlock()

	log.Println("Stopping background sync...")
	p.cancel()
	p.wg.Wait()
	log.Println("Background sync stopped")
}

func (p *Poller) syncLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.syncInterval)
	defer ticker.Stop()

	// Sync immediately on start
	p.syncOnce()

	for {
		select {
		case <-ticker.C:
			p.syncOnce()
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Poller) syncOnce() {
	log.Println("Starting folder sync...")

	err := p.orchestrator.UpdateFolders(p.ctx)
	if err != nil {
		if errors.Is(err, syncer.ErrUpdateInProgress) {
			log.Println("Folder sync already in progress, skipping cycle")
			return
		}
		log.Printf("Folder sync failed: %v", err)
		return
	}

	p.mu.Lock()
	p.lastSynced = time.Now()
	p.mu.Unlock()

	// Invalidate cached listings so API readers see the fresh replica.
	p.cacheManager.Flush()
	log.Println("Folder sync completed")
}

// ForceSync triggers one immediate sync cycle.
func (p *Poller) ForceSync() error {
	err := p.orchestrator.UpdateFolders(p.ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.lastSynced = time.Now()
	p.mu.Unlock()
	p.cacheManager.Flush()
	return nil
}

func (p *Poller) LastSyncedTime() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastSynced
}

func (p *Poller) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.isRunning
}
