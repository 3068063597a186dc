package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"sync"
	"syscall"

	"github.com/withObsrvr/snapshot-audit-pipeline/consumer"
)

func main() {
	configFile := flag.String("config", "pipeline_config.yaml", "Path to pipeline configuration file")
	flag.Parse()

	config, err := loadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	store, err := consumer.NewSaveContractEventsToPostgreSQL(config.Storage)
	if err != nil {
		log.Fatalf("Failed to initialize event store: %v", err)
	}
	defer store.Close()

	snapshots := consumer.NewPostgresSnapshotStore(store.DB())
	alerts := consumer.NewAlertDispatcher(config.Alerts)

	var cache *consumer.SaveVerificationToRedis
	if config.Redis != nil {
		cache, err = consumer.NewSaveVerificationToRedis(*config.Redis)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer cache.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for name, lc := range config.Listeners {
		listener, err := buildListener(lc, store, snapshots, alerts, cache)
		if err != nil {
			log.Fatalf("Failed to build listener %s: %v", name, err)
		}

		wg.Add(1)
		go func(name string, l *ContractListener) {
			defer wg.Done()
			if err := l.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("Listener %s stopped: %v", name, err)
			}
		}(name, listener)
	}

	log.Printf("Snapshot audit pipeline started with %d listeners", len(config.Listeners))
	<-ctx.Done()
	log.Printf("Shutdown signal received, waiting for listeners to finish")
	wg.Wait()
	log.Printf("Snapshot audit pipeline stopped")
}
