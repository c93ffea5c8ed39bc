package sync

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"order-sync-service/internal/config"
	"order-sync-service/internal/logger"
)

// Scheduler runs the periodic drain request and, when a catalog is set, the
// product catalog refresh.
type Scheduler struct {
	cfg     config.SchedulerConfig
	manager *Manager
	catalog *Catalog
	cron    *cron.Cron
}

func NewScheduler(cfg config.SchedulerConfig, manager *Manager, catalog *Catalog) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		manager: manager,
		catalog: catalog,
		cron:    cron.New(),
	}
}

func (s *Scheduler) Start() error {
	if !s.cfg.Enabled {
		logger.Log.Info("Scheduler is disabled")
		return nil
	}

	interval := s.cfg.Interval
	if interval == "" {
		interval = "@every 30s"
	}
	logger.Log.Info("Starting scheduler", zap.String("interval", interval))

	if _, err := s.cron.AddFunc(interval, s.triggerSync); err != nil {
		return err
	}

	if s.catalog != nil && s.cfg.CatalogInterval != "" {
		if _, err := s.cron.AddFunc(s.cfg.CatalogInterval, s.refreshCatalog); err != nil {
			return err
		}
	}

	s.cron.Start()
	return nil
}

func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	logger.Log.Info("Stopped scheduler")
}

func (s *Scheduler) triggerSync() {
	status := s.manager.GetSyncStatus()
	if !status.IsOnline || status.IsSyncing {
		logger.Log.Debug("Skipping scheduled sync",
			zap.Bool("online", status.IsOnline),
			zap.Bool("syncing", status.IsSyncing),
		)
		return
	}

	logger.Log.Debug("Triggering scheduled sync")
	s.manager.RequestSync()
}

func (s *Scheduler) refreshCatalog() {
	if !s.manager.GetSyncStatus().IsOnline {
		return
	}
	if _, err := s.catalog.Refresh(context.Background()); err != nil {
		logger.Log.Error("Failed to refresh product catalog", zap.Error(err))
	}
}
