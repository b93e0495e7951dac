// interfacesvc is the long-running supervisor that bridges a single
// bidirectional interface (a TCP or UDP device link carrying command
// and telemetry packets) and the central streaming message store. It
// maintains the connection, identifies and publishes inbound
// telemetry, and consumes, validates, and writes outbound commands.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"interfacesvc/internal/cmdworker"
	"interfacesvc/internal/config"
	"interfacesvc/internal/dictionary"
	"interfacesvc/internal/exceptions"
	"interfacesvc/internal/iface"
	"interfacesvc/internal/link"
	"interfacesvc/internal/store"
	"interfacesvc/internal/supervisor"
)

func main() {
	cfg := config.Load()

	// Configure structured logging.
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	logger := log.New()
	logger.SetLevel(level)
	logger.SetFormatter(&log.JSONFormatter{})

	scope, interfaceName, err := config.SplitName(cfg.MicroserviceName)
	if err != nil {
		logger.WithError(err).Fatal("invalid microservice name")
	}

	logger.WithFields(log.Fields{
		"microservice": cfg.MicroserviceName,
		"interface":    interfaceName,
		"scope":        scope,
		"protocol":     cfg.LinkProtocol,
		"address":      cfg.LinkAddress,
		"redis_url":    cfg.RedisURL,
	}).Info("starting interface microservice")

	l := buildLink(cfg, interfaceName)
	desc := iface.NewDescriptor(interfaceName, l.TargetNames(), l.AutoReconnect(), l.ReadAllowed(), l.ReconnectDelay())

	st, err := store.NewRedisStore(cfg.RedisURL, logger)
	if err != nil {
		logger.WithError(err).Fatal("connecting to store failed")
	}
	defer st.Close()

	dict := dictionary.NewMemory()
	if cfg.DictionaryPath != "" {
		if err := loadDictionary(cfg.DictionaryPath, dict); err != nil {
			logger.WithError(err).Fatal("loading dictionary failed")
		}
	}

	exc, err := exceptions.New(cfg.ExceptionsDir, cfg.ExceptionsDSN, logger)
	if err != nil {
		logger.WithError(err).Fatal("opening exception ledger failed")
	}
	defer exc.Close()

	// Register the interface, including its static fields, before any
	// worker can publish against it.
	if err := st.SetInterface(context.Background(), desc, scope, true); err != nil {
		logger.WithError(err).Warn("initial interface registration failed")
	}

	sup := supervisor.New(desc, l, dict, st, exc, scope, logger)
	worker := cmdworker.New(sup, l, dict, st, scope, cfg.CmdReplySecret, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sup.Run()

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := worker.Run(ctx); err != nil {
			logger.WithError(err).Error("command worker exited with error")
		}
	}()

	router := setupRouter(sup, worker, desc)
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: router}
	go func() {
		logger.WithField("addr", srv.Addr).Info("admin surface listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("admin server failed")
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	sup.Stop()
	<-workerDone
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.WithError(err).Warn("admin server shutdown failed")
	}
	logger.Info("interface microservice stopped")
}

// buildLink selects the concrete transport from configuration.
func buildLink(cfg *config.Config, name string) link.Link {
	switch cfg.LinkProtocol {
	case "udp":
		return link.NewUDPLink(link.UDPConfig{
			Name:           name,
			Address:        cfg.LinkAddress,
			TargetNames:    cfg.TargetNames,
			AutoReconnect:  cfg.AutoReconnect,
			ReconnectDelay: cfg.ReconnectDelay,
			ReadAllowed:    cfg.ReadAllowed,
		})
	default:
		return link.NewTCPLink(link.TCPConfig{
			Name:           name,
			Address:        cfg.LinkAddress,
			TargetNames:    cfg.TargetNames,
			AutoReconnect:  cfg.AutoReconnect,
			ReconnectDelay: cfg.ReconnectDelay,
			ReadAllowed:    cfg.ReadAllowed,
		})
	}
}

// loadDictionary installs packet definitions from a JSON file.
func loadDictionary(path string, dict *dictionary.Memory) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	var defs []dictionary.PacketDef
	if err := json.Unmarshal(data, &defs); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	for i := range defs {
		dict.Define(&defs[i])
	}
	return nil
}

// setupRouter creates the Gin engine with the health and status routes.
func setupRouter(sup *supervisor.Supervisor, worker *cmdworker.Worker, desc *iface.Descriptor) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	router.GET("/status", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"interface":        desc.Name,
			"state":            desc.State(),
			"target_names":     desc.TargetNames(),
			"telemetry_counts": sup.TelemetryCounts(),
			"command_count":    worker.CommandCount(),
		})
	})

	return router
}
