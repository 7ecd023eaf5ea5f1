// Copyright 2021-2022 The walktrack Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/walktrack/apis"
	"github.com/alwitt/walktrack/common"
	"github.com/alwitt/walktrack/connection"
	"github.com/alwitt/walktrack/core"
	"github.com/alwitt/walktrack/dispatch"
	"github.com/alwitt/walktrack/events"
	"github.com/alwitt/walktrack/ingestion"
	"github.com/alwitt/walktrack/ordering"
	"github.com/alwitt/walktrack/persistence"
	"github.com/alwitt/walktrack/registry"
	"github.com/alwitt/walktrack/storage"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// shutdownTimeout max time for draining the HTTP server and the route writer
const shutdownTimeout = time.Second * 10

// TrackingService the assembled tracking pipeline
type TrackingService struct {
	Metrics     *common.TrackingMetrics
	Sessions    registry.SessionRegistry
	Store       storage.RouteStore
	Writer      persistence.Writer
	Buffer      ordering.Buffer
	Dispatcher  dispatch.Dispatcher
	Ingestion   ingestion.Endpoint
	Connections connection.Manager
	Notifier    events.Notifier

	writerCancel context.CancelFunc
}

// BuildTrackingService wire registry, ordering, persistence, fan-out and connections.
// The route writer outlives runtimeContext so Stop can flush it.
func BuildTrackingService(
	runtimeContext context.Context,
	config *common.SystemConfig,
	natsClient *core.NatsClient,
	promRegistry prometheus.Registerer,
	wg *sync.WaitGroup,
) (*TrackingService, error) {
	logTags := log.Fields{"module": "cmd", "component": "tracking-service"}
	svc := &TrackingService{}
	var err error

	if svc.Metrics, err = common.NewTrackingMetrics(promRegistry); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define metrics")
		return nil, err
	}
	if svc.Sessions, err = registry.NewSessionRegistry(
		registry.ConfigFromTracking(config.Tracking),
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define session registry")
		return nil, err
	}
	if svc.Store, err = storage.OpenRouteStore(config.Storage); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to open %s route store at %s", config.Storage.Driver, config.Storage.Path,
		)
		return nil, err
	}

	writerCtxt, writerCancel := context.WithCancel(context.Background())
	svc.writerCancel = writerCancel
	if svc.Writer, err = persistence.NewWriter(
		writerCtxt, persistence.ConfigFromPersistence(config.Persistence), svc.Store, svc.Metrics, wg,
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define route writer")
		svc.abort()
		return nil, err
	}
	if svc.Buffer, err = ordering.NewBuffer(
		config.Tracking.Shards, svc.Store, svc.Metrics,
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define ordering buffer")
		svc.abort()
		return nil, err
	}
	svc.Dispatcher = dispatch.NewDispatcher(svc.Writer, svc.Metrics)
	svc.Buffer.AddSink(svc.Dispatcher)
	svc.Buffer.AddSink(svc.Writer)
	if svc.Ingestion, err = ingestion.NewEndpoint(svc.Sessions, svc.Buffer, svc.Metrics); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define ingestion endpoint")
		svc.abort()
		return nil, err
	}
	if svc.Connections, err = connection.NewManager(
		runtimeContext,
		connection.ConfigFromTracking(config.Tracking),
		svc.Sessions,
		svc.Ingestion,
		svc.Dispatcher,
		svc.Metrics,
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection manager")
		svc.abort()
		return nil, err
	}
	svc.Dispatcher.AttachDirectory(svc.Connections)

	if natsClient != nil && config.NATS != nil {
		if svc.Notifier, err = events.NewNATSNotifier(
			natsClient, config.NATS.SubjectPrefix,
		); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define NATS notifier")
			svc.abort()
			return nil, err
		}
	} else {
		svc.Notifier = events.NewLogNotifier()
	}
	svc.Writer.OnDegraded(events.DegradedHandler(svc.Notifier))
	svc.Buffer.OnSeedFailure(events.SeedFailureHandler(svc.Notifier))

	notifySessionEnd := events.SessionEndHandler(svc.Notifier)
	svc.Sessions.OnSessionEnd(func(ctxt context.Context, session common.WalkSession) {
		svc.Dispatcher.CloseSession(ctxt, session.SessionID, session.EndReason)
		flushCtxt, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := svc.Writer.Flush(flushCtxt, session.SessionID); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Final flush of %s incomplete", session.SessionID,
			)
		}
		svc.Buffer.Release(session.SessionID)
		notifySessionEnd(ctxt, session)
	})
	return svc, nil
}

// abort release what was built so far
func (s *TrackingService) abort() {
	s.writerCancel()
	if s.Store != nil {
		_ = s.Store.Close()
	}
}

// Start start the route writer and the idle session sweep
func (s *TrackingService) Start(
	runtimeContext context.Context, config *common.SystemConfig, wg *sync.WaitGroup,
) error {
	if err := s.Writer.Start(wg); err != nil {
		return err
	}
	return s.Sessions.StartIdleSweep(
		runtimeContext, wg, common.Seconds(config.Tracking.IdleSweepInterval),
	)
}

// Stop flush the route writer and close the store
func (s *TrackingService) Stop() {
	ctxt, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Writer.Stop(ctxt); err != nil {
		log.WithError(err).Error("Route writer did not stop cleanly")
	}
	s.writerCancel()
	if err := s.Store.Close(); err != nil {
		log.WithError(err).Error("Route store did not close cleanly")
	}
}

// Ready whether the route store, and NATS if used, are usable
func (s *TrackingService) Ready(natsClient *core.NatsClient) apis.ReadinessCheck {
	return func(ctxt context.Context) error {
		if _, err := s.Store.LastSample(ctxt, "readiness-probe"); err != nil &&
			!errors.Is(err, common.ErrNotFound) {
			return fmt.Errorf("route store: %w", err)
		}
		if natsClient != nil && !natsClient.Conn().IsConnected() {
			return fmt.Errorf("NATS client is not connected")
		}
		return nil
	}
}

// RunTrackingServer run the tracking server until runtimeContext is done
func RunTrackingServer(
	runtimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "tracking",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config")
		return err
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	svc, err := BuildTrackingService(runtimeContext, config, natsClient, promRegistry, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define tracking service")
		return err
	}
	defer svc.Stop()
	if err := svc.Start(runtimeContext, config, wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start tracking service")
		return err
	}

	if natsClient != nil && config.NATS != nil {
		receiver, err := events.NewLifecycleReceiver(
			runtimeContext, natsClient, config.NATS.SubjectPrefix, svc.Sessions,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define lifecycle receiver")
			return err
		}
		if err := receiver.Subscribe(wg); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to receive lifecycle events")
			return err
		}
	}

	httpHandler, err := apis.GetAPIRestTrackingHandler(
		runtimeContext,
		&config.APIServer,
		&config.Tracking,
		svc.Sessions,
		svc.Writer,
		svc.Connections,
		svc.Ready(natsClient),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := apis.DefineTrackingRouter(
		httpHandler,
		config.APIServer.PathPrefix,
		promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}),
	)

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	serverCfg := config.APIServer.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: common.Seconds(serverCfg.WriteTimeout),
		ReadTimeout:  common.Seconds(serverCfg.ReadTimeout),
		IdleTimeout:  common.Seconds(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runtimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}

// ExportRoute write a session's stored route as JSON
func ExportRoute(
	ctxt context.Context, config common.StorageConfig, sessionID string, since uint64, out io.Writer,
) error {
	logTags := log.Fields{"module": "cmd", "component": "export-route", "session_id": sessionID}
	store, err := storage.OpenRouteStore(config)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to open route store %s", config.Path)
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Route store did not close cleanly")
		}
	}()
	samples, err := store.ReadSamples(ctxt, sessionID, since, 0)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to read route")
		return err
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(samples)
}
