package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"limitbook/api/grpcserver"
	"limitbook/config"
	"limitbook/domain/orderbook"
	"limitbook/infra/kafka"
	"limitbook/infra/logging"
	"limitbook/infra/memory"
	"limitbook/infra/metrics"
	"limitbook/infra/sequence"
	entrywal "limitbook/infra/wal/entry"
	exitwal "limitbook/infra/wal/exit"
	"limitbook/jobs/broadcaster"
	"limitbook/service"
	"limitbook/snapshot"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config (optional)")
	flag.Parse()

	// ---------------- Config ----------------

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config invalid", "err", err)
		os.Exit(1)
	}

	log, logCloser := logging.New(cfg)
	defer logCloser.Close()
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("limitbook exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	// ---------------- Entry WAL ----------------

	entryWAL, err := entrywal.Open(entrywal.Config{
		Dir:          cfg.WAL.Dir,
		SegmentSize:  cfg.WAL.SegmentSize,
		SyncOnAppend: cfg.WAL.SyncOnAppend,
	})
	if err != nil {
		return err
	}
	defer entryWAL.Close()

	// ---------------- Exit WAL ----------------

	exitWAL, err := exitwal.Open(cfg.Outbox.Dir)
	if err != nil {
		return err
	}
	defer exitWAL.Close()

	// ---------------- Memory ----------------

	readers := memory.NewReaderSet(cfg.Book.Readers)
	arena := memory.NewArena[orderbook.Order](cfg.Book.ArenaCapacity, cfg.Book.RetireRing, readers)

	// ---------------- Service ----------------

	m := metrics.New()
	svc := service.New(service.Deps{
		Arena:   arena,
		Seq:     sequence.New(0),
		Log:     entryWAL,
		Audit:   exitWAL,
		Metrics: m,
		Logger:  log,
	})

	// ---------------- Recovery ----------------

	if _, err := svc.Recover(cfg.Snapshot.Dir, cfg.WAL.Dir); err != nil {
		return err
	}
	if err := svc.Validate(); err != nil {
		return err
	}

	// ---------------- Background Jobs ----------------

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return svc.RunEpochs(ctx, cfg.Book.EpochInterval.Duration)
	})

	snapWriter := &snapshot.Writer{Dir: cfg.Snapshot.Dir, Reader: snapshot.NewReader(readers)}
	g.Go(func() error {
		return svc.RunSnapshots(ctx, snapWriter, cfg.Snapshot.Interval.Duration, cfg.Snapshot.TruncateWAL)
	})

	if cfg.Kafka.Enabled {
		pub, err := newPublisher(cfg)
		if err != nil {
			return err
		}
		bc := broadcaster.New(exitWAL, pub, broadcaster.Config{
			Interval:   cfg.Kafka.PollInterval.Duration,
			MaxRetries: cfg.Kafka.MaxRetries,
		}, log, m)
		defer bc.Close()
		g.Go(func() error { return bc.Run(ctx) })
	}

	// ---------------- Metrics ----------------

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		httpSrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			log.Info("metrics listening", "addr", cfg.Metrics.Addr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	// ---------------- gRPC ----------------

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return err
	}
	grpcSrv := grpc.NewServer(grpc.UnaryInterceptor(grpcserver.LoggingInterceptor(log)))
	grpcserver.Register(grpcSrv, grpcserver.NewServer(svc))

	g.Go(func() error {
		log.Info("limitbook running", "grpc", cfg.GRPC.Addr, "resting", svc.Resting())
		return grpcSrv.Serve(lis)
	})
	g.Go(func() error {
		<-ctx.Done()
		grpcSrv.GracefulStop()
		return nil
	})

	err = g.Wait()

	// final snapshot so the next start replays as little as possible
	if _, serr := svc.TakeSnapshot(snapWriter, cfg.Snapshot.TruncateWAL); serr != nil {
		log.Error("final snapshot failed", "err", serr)
	}
	log.Info("limitbook stopped")
	return err
}

func newPublisher(cfg *config.Config) (broadcaster.Publisher, error) {
	if cfg.Kafka.Client == "kafka-go" {
		return kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic), nil
	}
	return kafka.NewSaramaProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.MaxRetries)
}
