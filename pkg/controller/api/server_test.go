package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	workloadv1alpha1 "github.com/mlplatform/workload-controller/pkg/apis/workload/v1alpha1"
	"github.com/mlplatform/workload-controller/pkg/controller/driver"
	"github.com/mlplatform/workload-controller/pkg/controller/executor"
	"github.com/mlplatform/workload-controller/pkg/controller/policy"
)

type alwaysApprovePolicy struct{}

func (alwaysApprovePolicy) Evaluate(_ context.Context, plan workloadv1alpha1.ActionPlan, mode workloadv1alpha1.EvaluationMode) workloadv1alpha1.Decision {
	return workloadv1alpha1.Decision{ActionPlanID: plan.ID, Approved: true, Mode: mode}
}

func TestHandleHealthz(t *testing.T) {
	s := New(nil, nil, nil, nil, logr.Discard())
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleSubmitPlanWithoutExecutorReturns503(t *testing.T) {
	s := New(nil, nil, nil, nil, logr.Discard())
	req := httptest.NewRequest(http.MethodPost, "/v1/plans/", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleSubmitAndGetPlan(t *testing.T) {
	drv := driver.NewFakeDriver()
	drv.SeedDeployment(workloadv1alpha1.Deployment{Name: "api", Namespace: "default", Image: "api:v0", DesiredReplicas: 2})
	exec := executor.New(drv, alwaysApprovePolicy{}, nil, nil, nil, nil, executor.DefaultConfig(), logr.Discard())
	s := New(exec, nil, nil, nil, logr.Discard())

	plan := workloadv1alpha1.ActionPlan{
		ID: "plan-http-1",
		Steps: []workloadv1alpha1.ActionStep{
			{Verb: workloadv1alpha1.VerbUpdate, Deployment: "api", Namespace: "default", Image: "api:v1"},
		},
	}
	body, err := json.Marshal(plan)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/plans/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/plans/plan-http-1", nil)
	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleListPoliciesEmpty(t *testing.T) {
	engine := policy.New(nil, nil, nil, nil, logr.Discard())
	s := New(nil, nil, nil, engine, logr.Discard())

	req := httptest.NewRequest(http.MethodGet, "/v1/policies/", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var got []workloadv1alpha1.Policy
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Empty(t, got)
}
