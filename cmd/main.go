package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/dimzachar/ScholarsXP-sub006/config"
	"github.com/dimzachar/ScholarsXP-sub006/pkgs/consensus"
	"github.com/dimzachar/ScholarsXP-sub006/pkgs/escalation"
	"github.com/dimzachar/ScholarsXP-sub006/pkgs/events"
	"github.com/dimzachar/ScholarsXP-sub006/pkgs/metrics"
	"github.com/dimzachar/ScholarsXP-sub006/pkgs/redis"
	"github.com/dimzachar/ScholarsXP-sub006/pkgs/service"
	"github.com/dimzachar/ScholarsXP-sub006/pkgs/shadowlog"
	"github.com/dimzachar/ScholarsXP-sub006/pkgs/storage"
	"github.com/dimzachar/ScholarsXP-sub006/pkgs/votes"
	"github.com/dimzachar/ScholarsXP-sub006/pkgs/workers"
)

func main() {
	if err := config.LoadConfig(); err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	settings := config.SettingsObj

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redis.RedisClient = redis.NewRedisClient()
	store := storage.NewStore(redis.RedisClient, settings.Namespace)

	emitter := events.NewEmitter(&events.EmitterConfig{
		BufferSize:     settings.EventBufferSize,
		MaxWorkers:     settings.EventWorkers,
		DropOnOverflow: true,
		EngineID:       settings.EngineID,
	})
	if err := emitter.Start(); err != nil {
		log.Fatalf("Failed to start event emitter: %v", err)
	}

	// The vote-resolver feedback loop: validation verdicts flow back into
	// reviewer aggregates through events, never through direct writes.
	feedback := metrics.NewFeedbackConsumer(store)
	if err := feedback.Register(emitter); err != nil {
		log.Fatalf("Failed to register metrics feedback consumer: %v", err)
	}

	aggregator := metrics.NewAggregator(store, metrics.Options{
		ReviewCountCap: settings.ReviewCountCap,
		MaxScore:       settings.MaxScore,
		QueryRetries:   settings.MetricsQueryRetries,
		RetryInterval:  settings.MetricsRetryInterval,
	})

	escalator := escalation.NewEscalator(store, emitter)
	shadow := shadowlog.NewLogger(redis.RedisClient, settings.Namespace)

	calculator := consensus.NewCalculator(store, aggregator, escalator, shadow, emitter, consensus.Options{
		MinReviews:       settings.MinPeerReviews,
		ZThreshold:       settings.OutlierZThreshold,
		MaxScore:         settings.MaxScore,
		FloorWeight:      settings.FloorWeight,
		HighSpread:       settings.HighConfidenceSpread,
		MediumSpread:     settings.MediumConfidenceSpread,
		WeeklyCap:        settings.WeeklyFinalizedCap,
		ActiveFormulaID:  settings.ActiveFormulaID,
		ShadowFormulaIDs: settings.ShadowFormulaIDs,
	})

	resolver := votes.NewResolver(store, emitter, settings.VoteQuorum, settings.MajorityThreshold)

	var wg sync.WaitGroup

	heldWorker := workers.NewHeldReleaseWorker(store, calculator, settings.HeldReleaseInterval)
	wg.Add(1)
	go func() {
		defer wg.Done()
		heldWorker.Start(ctx)
	}()

	server := service.NewServer(store, calculator, resolver, aggregator, emitter, settings)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Run(); err != nil {
			log.Errorf("API server exited: %v", err)
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		log.Infof("Received signal %v, shutting down", sig)
	case <-ctx.Done():
	}

	cancel()
	if err := emitter.Stop(); err != nil {
		log.Warnf("Emitter shutdown: %v", err)
	}
	wg.Wait()
	log.Info("Consensus engine stopped")
}
