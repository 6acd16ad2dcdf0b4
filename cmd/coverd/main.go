package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"covercraft.ai/internal/persistence/bake"
	"covercraft.ai/internal/persistence/indexdb"
	persistlog "covercraft.ai/internal/persistence/log"
	"covercraft.ai/internal/protocol"
	"covercraft.ai/internal/sim/tuning"
	"covercraft.ai/internal/sim/world"
	"covercraft.ai/internal/transport/agentrpc"
	"covercraft.ai/internal/transport/worldevents"
	"covercraft.ai/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		worldID    = flag.String("world", "world_1", "world id")
		configDir  = flag.String("configs", "./configs", "config directory")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to cover.yaml (default: <configs>/cover.yaml)")
		bakePath   = flag.String("bake", "", "baked level cover to load at startup (optional)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite audit index")
		logLevel   = flag.String("log_level", "info", "log level (debug, info, warn, error)")
		logJSON    = flag.Bool("log_json", false, "log as JSON")

		kafkaBrokers = flag.String("kafka_brokers", "", "comma separated kafka brokers (empty disables the world-events bridge)")
		kafkaGroup   = flag.String("kafka_group", "coverd", "kafka consumer group")
		kafkaIn      = flag.String("kafka_in_topic", worldevents.TopicWorldEvents, "topic carrying BREAK messages")
		kafkaOut     = flag.String("kafka_out_topic", worldevents.TopicCoverEvents, "topic receiving cover events")

		agentSecret = flag.String("agent_hmac_secret", os.Getenv("COVER_AGENT_HMAC_SECRET"), "HMAC secret for the agent rpc endpoint (empty disables auth)")
	)
	flag.Parse()

	base := logrus.New()
	base.SetOutput(os.Stdout)
	if lvl, err := logrus.ParseLevel(*logLevel); err == nil {
		base.SetLevel(lvl)
	}
	if *logJSON {
		base.SetFormatter(&logrus.JSONFormatter{})
	}
	logger := logrus.NewEntry(base).WithField("service", "coverd")

	worldDir := filepath.Join(*dataDir, "worlds", *worldID)
	if err := os.MkdirAll(worldDir, 0o755); err != nil {
		logger.WithError(err).Fatal("create world dir")
	}

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "cover.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.WithError(err).Fatal("load tuning")
		}
		logger.WithField("path", tp).Warn("tuning not found; using defaults")
		tune = tuning.Defaults()
	}

	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		idx, err = indexdb.OpenSQLite(filepath.Join(worldDir, "index", "world.sqlite"), logger)
		if err != nil {
			logger.WithError(err).Fatal("open index")
		}
		defer idx.Close()
		idx.RecordTuning(tune)
	}

	w := world.New(world.WorldConfig{ID: *worldID, TickRateHz: tune.TickRateHz, Tuning: tune}, logger)

	auditLog := persistlog.NewAuditLogger(worldDir)
	defer auditLog.Close()
	sinks := persistlog.MultiAudit{auditLog}
	if idx != nil {
		sinks = append(sinks, idx)
	}
	w.SetAuditLogger(sinks)

	ctx, cancel := signalContext()
	defer cancel()

	worldDone := make(chan struct{})
	go func() {
		defer close(worldDone)
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("world stopped")
		}
	}()

	if p := strings.TrimSpace(*bakePath); p != "" {
		if err := loadBake(ctx, w, p, logger); err != nil {
			logger.WithError(err).Fatal("load bake")
		}
	}

	if brokers := worldevents.ParseBrokers(*kafkaBrokers); len(brokers) > 0 {
		cfg := worldevents.Config{Brokers: brokers, GroupID: *kafkaGroup, InTopic: *kafkaIn, OutTopic: *kafkaOut}
		consumer := worldevents.NewConsumer(worldevents.NewReader(cfg), w, logger)
		go func() {
			if err := consumer.Run(ctx); err != nil {
				logger.WithError(err).Warn("world events consumer stopped")
			}
		}()
		pub := worldevents.NewPublisher(worldevents.NewWriter(cfg), *worldID, logger)
		go func() {
			kinds := []string{protocol.EventSurfaceRemoved, protocol.EventSurfaceRetracted, protocol.EventBreak}
			if err := pub.Run(ctx, w, kinds); err != nil {
				logger.WithError(err).Warn("cover events publisher stopped")
			}
		}()
		logger.WithField("brokers", brokers).Info("world events bridge enabled")
	}

	var history auditIndex
	if idx != nil {
		history = idx
	}
	router := newRouter(w, history, logger)
	router.HandleFunc("/v1/ws", ws.NewServer(w, logger).Handler())
	agents, err := agentrpc.NewServer(agentrpc.Config{World: w, HMACSecret: *agentSecret, Logger: logger})
	if err != nil {
		logger.WithError(err).Fatal("agent rpc")
	}
	if strings.TrimSpace(*agentSecret) == "" {
		logger.Warn("agent rpc running without HMAC auth")
	}
	router.HandleFunc("/v1/agent/rpc", agents.HandleRPC).Methods(http.MethodPost)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.WithField("addr", *addr).Info("listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.WithError(err).Fatal("ListenAndServe")
	}
	<-worldDone
}

func loadBake(ctx context.Context, w *world.World, path string, logger *logrus.Entry) error {
	f, err := bake.Read(path)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	ids, err := w.LoadSurfaces(cctx, f.Surfaces)
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{"path": path, "level": f.Header.Level, "surfaces": len(ids)}).Info("bake loaded")
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
