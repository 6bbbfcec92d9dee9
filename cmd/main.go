// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/cobaltcore-dev/reservoir/internal/api"
	"github.com/cobaltcore-dev/reservoir/internal/conf"
	"github.com/cobaltcore-dev/reservoir/internal/db"
	"github.com/cobaltcore-dev/reservoir/internal/keystone"
	"github.com/cobaltcore-dev/reservoir/internal/ledger"
	"github.com/cobaltcore-dev/reservoir/internal/manager"
	"github.com/cobaltcore-dev/reservoir/internal/monitoring"
	"github.com/cobaltcore-dev/reservoir/internal/mqtt"
	"github.com/cobaltcore-dev/reservoir/internal/nova"
	"github.com/cobaltcore-dev/reservoir/internal/plugins"
	"github.com/sapcc/go-api-declarations/bininfo"
	"github.com/sapcc/go-bits/httpext"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Run the prometheus metrics server for monitoring.
func runMonitoringServer(ctx context.Context, registry *monitoring.Registry, config conf.MonitoringConfig) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	slog.Info("metrics listening", "port", config.Port)
	addr := fmt.Sprintf(":%d", config.Port)
	if err := httpext.ListenAndServeContext(ctx, addr, mux); err != nil {
		panic(err)
	}
}

func main() {
	args := os.Args[1:]
	if len(args) > 0 {
		// If called with `--version`, report version and exit (the Dockerfile
		// uses this to check if the binary was built correctly)
		bininfo.HandleVersionArgument()
	}

	config := conf.GetConfigOrDie[*conf.SharedConfig]()
	if err := config.Validate(); err != nil {
		panic(err)
	}
	config.LoggingConfig.SetDefaultLogger()

	// Set runtime concurrency to match CPU limit imposed by Kubernetes
	undoMaxprocs, err := maxprocs.Set(maxprocs.Logger(slog.Debug))
	if err != nil {
		panic(err)
	}
	defer undoMaxprocs()

	// Override User-Agent header for all requests made by this process
	// (logs will show e.g. "reservoir/d0c9faa" instead of "Go-http-client/2.0")
	wrap := httpext.WrapTransport(&http.DefaultTransport)
	wrap.SetOverrideUserAgent(bininfo.Component(), bininfo.VersionOr("rolling"))

	// This context will gracefully shutdown when the process receives the
	// standard shutdown signal SIGINT, with a 10-second delay to allow
	// Kubernetes to stop sending new requests well before the process starts
	// to shut down.
	ctx := httpext.ContextWithSIGINT(context.Background(), 10*time.Second)

	// Set up the monitoring registry and database connection.
	registry := monitoring.NewRegistry(config.MonitoringConfig)

	dbMonitor := db.NewDBMonitor(registry)
	database := db.NewPostgresDB(ctx, config.DBConfig, registry, dbMonitor)
	defer database.Close()

	go database.CheckLivenessPeriodically(ctx)
	go runMonitoringServer(ctx, registry, config.MonitoringConfig)

	mqttClient := mqtt.NewClientWithConfig(config.MQTTConfig, mqtt.NewMQTTMonitor(registry))
	if err := mqttClient.Connect(); err != nil {
		panic("failed to connect to mqtt broker: " + err.Error())
	}
	defer mqttClient.Disconnect()

	keystoneAPI := keystone.NewKeystoneAPI(config.KeystoneConfig)
	novaAPI := nova.NewNovaAPI(keystoneAPI)
	novaAPI.Init(ctx)

	// A nil interface keeps usage enforcement switched off entirely.
	var usage ledger.Ledger
	if config.LedgerConfig.Enabled {
		usage = ledger.NewLedger(config.LedgerConfig, ledger.NewLedgerMonitor(registry))
		defer usage.Close()
	}

	store := manager.Store{DB: database}
	if err := store.Init(); err != nil {
		panic(err)
	}
	// The migrations only touch tables the store registered above.
	db.NewMigrater(database).Migrate(false)

	leaseManager := manager.NewManager(
		config.ManagerConfig,
		store,
		manager.NewMQTTNotifier(mqttClient),
		manager.NewKeystoneTrustScopes(keystoneAPI, config.KeystoneConfig),
		usage,
		manager.NewManagerMonitor(registry),
	)
	supported, err := plugins.Load(config.ManagerConfig, plugins.Dependencies{
		DB:    database,
		Store: store,
		Nova:  novaAPI,
		Usage: usage,
		Hosts: config.HostsConfig,
	})
	if err != nil {
		panic(err)
	}
	if err := leaseManager.Init(supported, ctx); err != nil {
		panic(err)
	}

	dispatcher := manager.NewDispatcher(leaseManager, config.ManagerConfig)
	go dispatcher.ProcessEventsPeriodically(ctx)

	// Run the api server after all other tasks have been started. Blocks
	// until the shutdown context is canceled.
	httpAPI := api.NewAPI(config.APIConfig, leaseManager, api.NewAPIMonitor(registry))
	httpAPI.Init(ctx)
}
