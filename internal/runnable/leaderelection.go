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

package runnable

import (
	"sigs.k8s.io/controller-runtime/pkg/manager"
)

type noLeaderElectionRunnable struct {
	manager.Runnable
}

// NeedLeaderElection always returns false, satisfying
// manager.LeaderElectionRunnable so the manager starts this Runnable on
// every replica instead of only the elected leader.
func (noLeaderElectionRunnable) NeedLeaderElection() bool { return false }

// NoLeaderElection wraps r so the manager runs it regardless of leader
// election status, for servers (health checks, metrics) that must answer on
// every replica.
func NoLeaderElection(r manager.Runnable) manager.Runnable {
	return noLeaderElectionRunnable{r}
}
