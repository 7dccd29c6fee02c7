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

// Command controllerd runs the autonomous workload controller: it evaluates
// deployments against registered policies, drives canary rollouts, and
// triggers rollbacks when health checks regress.
package main

import (
	goflag "flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/mlplatform/workload-controller/cmd/controllerd/runner"
	"github.com/mlplatform/workload-controller/pkg/common/observability/logging"
	"github.com/mlplatform/workload-controller/pkg/controller/config"
)

var (
	configPath string
	clusterID  string
	zapOpts    = zap.Options{}
)

func main() {
	logging.InitSetupLogging()

	ctx := ctrl.SetupSignalHandler()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "controllerd",
		Short: "Autonomous workload controller",
		Long: "controllerd evaluates workload deployments against registered policies, " +
			"drives canary rollouts, and rolls back deployments whose health regresses.",
		RunE: runServe,
	}

	root.Flags().StringVar(&configPath, "config", "", "path to a YAML configuration file")
	root.Flags().StringVar(&clusterID, "cluster-id", "default", "identifier of the cluster this controller instance manages")

	goFlags := goflag.NewFlagSet("zap", goflag.ExitOnError)
	zapOpts.BindFlags(goFlags)
	root.Flags().AddGoFlagSet(goFlags)

	return root
}

func runServe(cmd *cobra.Command, args []string) error {
	logging.InitLogging(&zapOpts)
	setupLog := ctrl.Log.WithName("main")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	setupLog.Info("starting controllerd", "cluster_id", clusterID, "managed_clusters", cfg.ManagedClusters)

	r := runner.New(cfg, clusterID)
	return r.Run(cmd.Context())
}
