package main

import (
	"time"

	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/backend"
	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/cache"
	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/config"
	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/database"
	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/netmon"
	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/queue"
	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/store"
	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/syncer"
	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/vehicles"
	"go.uber.org/zap"
)

// device bundles the components of one attendant device.
type device struct {
	store   *store.Store
	queue   *queue.Queue
	client  *backend.Client
	monitor *netmon.Monitor
	engine  *syncer.Engine
	cache   *cache.Cache
	close   func()
}

type deviceOptions struct {
	// withSync wires the backend client and the sync engine.
	withSync bool
	// monitor, when set, gates the engine on connectivity.
	monitor *netmon.Monitor
}

func openDevice(appConfig config.AppConfig, logger *zap.Logger, options deviceOptions) (*device, error) {
	db, err := database.OpenLocal(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	localStore, err := store.New(store.Config{Database: db, Logger: logger})
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	mutationQueue, err := queue.New(queue.Config{
		Store:       localStore,
		Clock:       time.Now,
		MaxAttempts: appConfig.MaxAttempts,
		BackoffBase: appConfig.BackoffBase,
		BackoffCap:  appConfig.BackoffCap,
		Logger:      logger,
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	d := &device{
		store:   localStore,
		queue:   mutationQueue,
		monitor: options.monitor,
		close:   func() { _ = sqlDB.Close() },
	}

	var coordinator cache.Syncer
	if options.withSync {
		client, err := backend.NewClient(backend.ClientConfig{
			BaseURL: appConfig.BackendURL,
			Timeout: appConfig.BackendTimeout,
			Logger:  logger,
		})
		if err != nil {
			d.close()
			return nil, err
		}
		lots := make([]vehicles.LotID, 0, len(appConfig.Lots))
		for _, raw := range appConfig.Lots {
			lotID, err := vehicles.NewLotID(raw)
			if err != nil {
				d.close()
				return nil, err
			}
			lots = append(lots, lotID)
		}
		engine, err := syncer.New(syncer.Config{
			Store:    localStore,
			Queue:    mutationQueue,
			Backend:  client,
			Monitor:  options.monitor,
			Lots:     lots,
			Interval: appConfig.SyncInterval,
			Clock:    time.Now,
			Logger:   logger,
		})
		if err != nil {
			d.close()
			return nil, err
		}
		d.client = client
		d.engine = engine
		coordinator = engine
	}

	vehicleCache, err := cache.New(cache.Config{
		Store:      localStore,
		Queue:      mutationQueue,
		Syncer:     coordinator,
		IDProvider: cache.NewUUIDProvider(),
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		d.close()
		return nil, err
	}
	d.cache = vehicleCache
	return d, nil
}
