/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package runner assembles controllerd's components into a controller-runtime
// manager and runs them until the process is signalled to stop.
package runner

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health"
	healthgrpcv1 "google.golang.org/grpc/health/grpc_health_v1"
	"k8s.io/client-go/kubernetes"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/mlplatform/workload-controller/internal/runnable"
	ctltls "github.com/mlplatform/workload-controller/internal/tls"
	"github.com/mlplatform/workload-controller/pkg/controller/api"
	"github.com/mlplatform/workload-controller/pkg/controller/canary"
	"github.com/mlplatform/workload-controller/pkg/controller/config"
	"github.com/mlplatform/workload-controller/pkg/controller/driver"
	"github.com/mlplatform/workload-controller/pkg/controller/events"
	"github.com/mlplatform/workload-controller/pkg/controller/executor"
	"github.com/mlplatform/workload-controller/pkg/controller/health"
	"github.com/mlplatform/workload-controller/pkg/controller/metrics"
	"github.com/mlplatform/workload-controller/pkg/controller/policy"
	"github.com/mlplatform/workload-controller/pkg/controller/ratelimit"
	"github.com/mlplatform/workload-controller/pkg/controller/rollback"
	"github.com/mlplatform/workload-controller/pkg/store"
	sqlstore "github.com/mlplatform/workload-controller/pkg/store/sql"
)

// Runner holds everything needed to start controllerd.
type Runner struct {
	cfg       config.Config
	clusterID string
}

// New builds a Runner from cfg.
func New(cfg config.Config, clusterID string) *Runner {
	return &Runner{cfg: cfg, clusterID: clusterID}
}

// Run wires the controller's components and blocks on the controller-runtime
// manager until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	setupLog := ctrl.Log.WithName("setup")

	restCfg, err := ctrl.GetConfig()
	if err != nil {
		return fmt.Errorf("load kubeconfig: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return fmt.Errorf("build kubernetes client: %w", err)
	}

	mgr, err := ctrl.NewManager(restCfg, manager.Options{
		Metrics: metricsserver.Options{BindAddress: "0"}, // we run our own metrics server below.
	})
	if err != nil {
		return fmt.Errorf("create controller manager: %w", err)
	}

	drv := driver.NewK8sDriver(r.clusterID, clientset, r.cfg.Retry, ctrl.Log.WithName("driver"))
	evaluator := health.NewEvaluator(r.cfg.Health, ctrl.Log.WithName("health"))

	memEmitter := events.NewMemoryEmitter(256)
	emitter, err := r.buildEmitter(memEmitter)
	if err != nil {
		return fmt.Errorf("build event emitter: %w", err)
	}

	st, err := r.buildStore(ctrl.Log.WithName("store"))
	if err != nil {
		return fmt.Errorf("build store: %w", err)
	}

	priceTable, err := r.buildPriceTable(ctx)
	if err != nil {
		return fmt.Errorf("build price table: %w", err)
	}
	limiter := ratelimit.New()
	// uptime and slo sources are nil: this deployment has no wired metrics
	// backend, so the sla and slo rules never fire, matching how an
	// unconfigured PriceTable leaves cost_ceiling inert.
	policyEngine := policy.New(limiter, priceTable, nil, nil, ctrl.Log.WithName("policy"))

	var verifier *executor.ApprovalVerifier
	if r.cfg.ApprovalSecret != "" {
		verifier = executor.NewApprovalVerifier([]byte(r.cfg.ApprovalSecret))
	}
	rollbackCtl := rollback.New(drv, evaluator, emitter, r.cfg.Rollback, ctrl.Log.WithName("rollback"))
	canaryCtl := canary.New(drv, evaluator, emitter, rollbackCtl, r.cfg.Canary, ctrl.Log.WithName("canary"))
	exec := executor.New(drv, policyEngine, emitter, verifier, canaryCtl, rollbackCtl, r.cfg.Executor, ctrl.Log.WithName("executor"))

	persister := events.NewPersister(memEmitter, exec.GetPlanStatus, st.SaveActionPlan, rollbackCtl.GetRollbackStatus, st.SaveRollbackRecord, ctrl.Log.WithName("persister"))
	if err := mgr.Add(runnable.NoLeaderElection(manager.RunnableFunc(persister.Run))); err != nil {
		return fmt.Errorf("register persister runnable: %w", err)
	}

	metrics.Register()

	apiServer := api.New(exec, canaryCtl, rollbackCtl, policyEngine, ctrl.Log.WithName("api"))

	if err := mgr.Add(runnable.NoLeaderElection(r.apiServerRunnable(apiServer))); err != nil {
		return fmt.Errorf("register api server runnable: %w", err)
	}
	if err := mgr.Add(runnable.NoLeaderElection(r.metricsServerRunnable())); err != nil {
		return fmt.Errorf("register metrics server runnable: %w", err)
	}
	if err := mgr.Add(runnable.NoLeaderElection(r.healthServerRunnable())); err != nil {
		return fmt.Errorf("register health server runnable: %w", err)
	}
	for _, clusterID := range r.cfg.ManagedClusters {
		clusterID := clusterID
		if err := mgr.Add(manager.RunnableFunc(func(ctx context.Context) error {
			rollbackCtl.Run(ctx, clusterID)
			return nil
		})); err != nil {
			return fmt.Errorf("register rollback loop for cluster %s: %w", clusterID, err)
		}
	}

	setupLog.Info("controller manager starting", "grpc_health_port", r.cfg.GRPCHealthPort, "api_port", r.cfg.GRPCPort, "metrics_port", r.cfg.MetricsPort)
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("run controller manager: %w", err)
	}
	return nil
}

// buildEmitter returns the Emitter components publish to. mem is always
// included in the fan-out so the in-process persister sees every event even
// when a durable Kafka sink is also configured.
func (r *Runner) buildEmitter(mem *events.MemoryEmitter) (events.Emitter, error) {
	if len(r.cfg.KafkaBrokers) == 0 {
		return mem, nil
	}
	kafka, err := events.NewKafkaEmitter(events.KafkaEmitterConfig{
		Brokers: r.cfg.KafkaBrokers,
		Topic:   r.cfg.KafkaTopic,
	})
	if err != nil {
		return nil, err
	}
	return events.NewFanoutEmitter(mem, kafka), nil
}

func (r *Runner) buildStore(log logr.Logger) (store.Store, error) {
	if r.cfg.MySQLDSN == "" {
		return store.NewMemoryStore(), nil
	}
	return sqlstore.Open(r.cfg.MySQLDSN, log)
}

func (r *Runner) buildPriceTable(ctx context.Context) (*policy.StaticPriceTable, error) {
	switch {
	case r.cfg.PriceTableBucket != "":
		return policy.NewS3PriceTable(ctx, r.cfg.PriceTableBucket, r.cfg.PriceTableKey)
	case r.cfg.PriceTableSource != "":
		return policy.NewLocalPriceTable(ctx, r.cfg.PriceTableSource)
	default:
		return policy.NewEmptyPriceTable(), nil
	}
}

// apiServerRunnable serves the JSON API, over TLS with a freshly generated
// self-signed certificate when SecureServing is set; CertPath is not read.
func (r *Runner) apiServerRunnable(apiServer *api.Server) manager.Runnable {
	return manager.RunnableFunc(func(ctx context.Context) error {
		log := ctrl.Log.WithName("api-server")
		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", r.cfg.GRPCPort),
			Handler: apiServer.Router(),
		}
		if r.cfg.SecureServing {
			cert, err := ctltls.CreateSelfSignedTLSCertificate(log)
			if err != nil {
				return fmt.Errorf("create self-signed certificate: %w", err)
			}
			srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
		}

		errCh := make(chan error, 1)
		go func() {
			log.Info("api server listening", "addr", srv.Addr, "tls", r.cfg.SecureServing)
			var err error
			if r.cfg.SecureServing {
				err = srv.ListenAndServeTLS("", "")
			} else {
				err = srv.ListenAndServe()
			}
			if err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case <-ctx.Done():
			return srv.Close()
		case err := <-errCh:
			return err
		}
	})
}

func (r *Runner) metricsServerRunnable() manager.Runnable {
	return manager.RunnableFunc(func(ctx context.Context) error {
		log := ctrl.Log.WithName("metrics-server")
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: fmt.Sprintf(":%d", r.cfg.MetricsPort), Handler: mux}

		errCh := make(chan error, 1)
		go func() {
			log.Info("metrics server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case <-ctx.Done():
			return srv.Close()
		case err := <-errCh:
			return err
		}
	})
}

func (r *Runner) healthServerRunnable() manager.Runnable {
	srv := grpc.NewServer()
	healthSrv := healthpb.NewServer()
	healthSrv.SetServingStatus("", healthgrpcv1.HealthCheckResponse_SERVING)
	healthSrv.SetServingStatus("workload-controller", healthgrpcv1.HealthCheckResponse_SERVING)
	healthgrpcv1.RegisterHealthServer(srv, healthSrv)
	return runnable.GRPCServer("health", srv, r.cfg.GRPCHealthPort)
}
