// Package sql implements a store.Store backed by gorm.io/gorm, defaulting to
// MySQL via gorm.io/driver/mysql.
package sql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	workloadv1alpha1 "github.com/mlplatform/workload-controller/pkg/apis/workload/v1alpha1"
	"github.com/mlplatform/workload-controller/pkg/store"
	ctlerrors "github.com/mlplatform/workload-controller/pkg/util/errors"
)

// workloadModel, deploymentModel, policyModel, actionPlanModel, and
// rollbackRecordModel are the GORM row shapes. Nested/slice fields that have
// no natural relational column (labels, rules, steps) are stored as JSON
// text, matching how the domain layer already treats them as opaque blobs.
type workloadModel struct {
	ID          string `gorm:"primaryKey"`
	Name        string
	Namespace   string
	Owner       string
	LabelsJSON  string
	AnnotJSON   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (workloadModel) TableName() string { return "workloads" }

type deploymentModel struct {
	ID              string `gorm:"primaryKey"`
	WorkloadID      string `gorm:"index"`
	ClusterID       string
	Name            string
	Namespace       string
	Kind            string
	Image           string
	Revision        string
	DesiredReplicas int32
	LabelsJSON      string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (deploymentModel) TableName() string { return "deployments" }

type policyModel struct {
	ID        string `gorm:"primaryKey"`
	Name      string
	Enabled   bool
	Priority  int
	RulesJSON string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (policyModel) TableName() string { return "policies" }

type actionPlanModel struct {
	ID               string `gorm:"primaryKey"`
	WorkloadID       string `gorm:"index"`
	CorrelationID    string
	Source           string
	StepsJSON        string
	Status           string
	Reason           string
	RequiresApproval bool
	ApprovalToken    string
	ShadowExecuted   bool
	SubmittedAt      time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
}

func (actionPlanModel) TableName() string { return "action_plans" }

type rollbackRecordModel struct {
	ID           string `gorm:"primaryKey"`
	DeploymentID string `gorm:"index"`
	ClusterID    string
	ToRevision   string
	Reason       string
	Status       string
	TriggeredAt  time.Time
	CompletedAt  *time.Time
	Error        string
}

func (rollbackRecordModel) TableName() string { return "rollback_records" }

// Store is a store.Store backed by a *gorm.DB.
type Store struct {
	db  *gorm.DB
	log logr.Logger
}

// Open connects to dsn (a MySQL data source name) and runs AutoMigrate for
// every model this store owns.
func Open(dsn string, log logr.Logger) (*Store, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Warn),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open gorm database: %w", err)
	}
	if err := db.AutoMigrate(
		&workloadModel{}, &deploymentModel{}, &policyModel{}, &actionPlanModel{}, &rollbackRecordModel{},
	); err != nil {
		return nil, fmt.Errorf("automigrate: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

// NewWithDB wraps an already-opened *gorm.DB, mainly so tests can inject a
// sqlmock-backed connection without dialing a real database.
func NewWithDB(db *gorm.DB, log logr.Logger) *Store {
	return &Store{db: db, log: log}
}

func toJSON(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func fromJSON[T any](s string, out *T) {
	if s == "" {
		return
	}
	_ = json.Unmarshal([]byte(s), out)
}

func wrapNotFound(err error, kind, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ctlerrors.New(ctlerrors.CodeNotFound, kind+" not found: "+id)
	}
	return ctlerrors.Wrap(ctlerrors.CodeInternal, err, "store operation failed")
}

func (s *Store) SaveWorkload(ctx context.Context, w *workloadv1alpha1.Workload) error {
	m := workloadModel{
		ID: w.ID, Name: w.Name, Namespace: w.Namespace, Owner: w.Owner,
		LabelsJSON: toJSON(w.Labels), AnnotJSON: toJSON(w.Annotations),
		CreatedAt: w.CreatedAt, UpdatedAt: w.UpdatedAt,
	}
	if err := s.db.WithContext(ctx).Save(&m).Error; err != nil {
		return ctlerrors.Wrap(ctlerrors.CodeInternal, err, "save workload")
	}
	return nil
}

func (s *Store) GetWorkload(ctx context.Context, id string) (*workloadv1alpha1.Workload, error) {
	var m workloadModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, wrapNotFound(err, "workload", id)
	}
	w := &workloadv1alpha1.Workload{
		ID: m.ID, Name: m.Name, Namespace: m.Namespace, Owner: m.Owner,
		CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt,
	}
	fromJSON(m.LabelsJSON, &w.Labels)
	fromJSON(m.AnnotJSON, &w.Annotations)
	return w, nil
}

func (s *Store) DeleteWorkload(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Delete(&workloadModel{}, "id = ?", id).Error; err != nil {
		return ctlerrors.Wrap(ctlerrors.CodeInternal, err, "delete workload")
	}
	return nil
}

func (s *Store) ListWorkloads(ctx context.Context) ([]workloadv1alpha1.Workload, error) {
	var rows []workloadModel
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, ctlerrors.Wrap(ctlerrors.CodeInternal, err, "list workloads")
	}
	out := make([]workloadv1alpha1.Workload, 0, len(rows))
	for _, m := range rows {
		w := workloadv1alpha1.Workload{ID: m.ID, Name: m.Name, Namespace: m.Namespace, Owner: m.Owner, CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt}
		fromJSON(m.LabelsJSON, &w.Labels)
		fromJSON(m.AnnotJSON, &w.Annotations)
		out = append(out, w)
	}
	return out, nil
}

func (s *Store) SaveDeployment(ctx context.Context, d *workloadv1alpha1.Deployment) error {
	m := deploymentModel{
		ID: d.ID, WorkloadID: d.WorkloadID, ClusterID: d.ClusterID, Name: d.Name, Namespace: d.Namespace,
		Kind: string(d.Kind), Image: d.Image, Revision: d.Revision, DesiredReplicas: d.DesiredReplicas,
		LabelsJSON: toJSON(d.Labels), CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt,
	}
	if err := s.db.WithContext(ctx).Save(&m).Error; err != nil {
		return ctlerrors.Wrap(ctlerrors.CodeInternal, err, "save deployment")
	}
	return nil
}

func (s *Store) GetDeployment(ctx context.Context, id string) (*workloadv1alpha1.Deployment, error) {
	var m deploymentModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, wrapNotFound(err, "deployment", id)
	}
	return deploymentFromModel(m), nil
}

func (s *Store) DeleteDeployment(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Delete(&deploymentModel{}, "id = ?", id).Error; err != nil {
		return ctlerrors.Wrap(ctlerrors.CodeInternal, err, "delete deployment")
	}
	return nil
}

func (s *Store) ListDeploymentsByWorkload(ctx context.Context, workloadID string) ([]workloadv1alpha1.Deployment, error) {
	var rows []deploymentModel
	if err := s.db.WithContext(ctx).Where("workload_id = ?", workloadID).Find(&rows).Error; err != nil {
		return nil, ctlerrors.Wrap(ctlerrors.CodeInternal, err, "list deployments by workload")
	}
	out := make([]workloadv1alpha1.Deployment, 0, len(rows))
	for _, m := range rows {
		out = append(out, *deploymentFromModel(m))
	}
	return out, nil
}

func deploymentFromModel(m deploymentModel) *workloadv1alpha1.Deployment {
	d := &workloadv1alpha1.Deployment{
		ID: m.ID, WorkloadID: m.WorkloadID, ClusterID: m.ClusterID, Name: m.Name, Namespace: m.Namespace,
		Kind: workloadv1alpha1.DeploymentKind(m.Kind), Image: m.Image, Revision: m.Revision,
		DesiredReplicas: m.DesiredReplicas, CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt,
	}
	fromJSON(m.LabelsJSON, &d.Labels)
	return d
}

func (s *Store) SavePolicy(ctx context.Context, p *workloadv1alpha1.Policy) error {
	m := policyModel{
		ID: p.ID, Name: p.Name, Enabled: p.Enabled, Priority: p.Priority,
		RulesJSON: toJSON(p.Rules), CreatedAt: p.CreatedAt, UpdatedAt: p.UpdatedAt,
	}
	if err := s.db.WithContext(ctx).Save(&m).Error; err != nil {
		return ctlerrors.Wrap(ctlerrors.CodeInternal, err, "save policy")
	}
	return nil
}

func (s *Store) GetPolicy(ctx context.Context, id string) (*workloadv1alpha1.Policy, error) {
	var m policyModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, wrapNotFound(err, "policy", id)
	}
	return policyFromModel(m), nil
}

func (s *Store) DeletePolicy(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Delete(&policyModel{}, "id = ?", id).Error; err != nil {
		return ctlerrors.Wrap(ctlerrors.CodeInternal, err, "delete policy")
	}
	return nil
}

func (s *Store) ListPolicies(ctx context.Context) ([]workloadv1alpha1.Policy, error) {
	var rows []policyModel
	if err := s.db.WithContext(ctx).Order("priority desc").Find(&rows).Error; err != nil {
		return nil, ctlerrors.Wrap(ctlerrors.CodeInternal, err, "list policies")
	}
	out := make([]workloadv1alpha1.Policy, 0, len(rows))
	for _, m := range rows {
		out = append(out, *policyFromModel(m))
	}
	return out, nil
}

func policyFromModel(m policyModel) *workloadv1alpha1.Policy {
	p := &workloadv1alpha1.Policy{
		ID: m.ID, Name: m.Name, Enabled: m.Enabled,
		Priority: m.Priority, CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt,
	}
	fromJSON(m.RulesJSON, &p.Rules)
	return p
}

func (s *Store) SaveActionPlan(ctx context.Context, p *workloadv1alpha1.ActionPlan) error {
	m := actionPlanModel{
		ID: p.ID, WorkloadID: p.WorkloadID, CorrelationID: p.CorrelationID, Source: string(p.Source), StepsJSON: toJSON(p.Steps),
		Status: string(p.Status), Reason: p.Reason, RequiresApproval: p.RequiresApproval, ShadowExecuted: p.ShadowExecuted,
		ApprovalToken: p.ApprovalToken, SubmittedAt: p.SubmittedAt, StartedAt: p.StartedAt, CompletedAt: p.CompletedAt,
	}
	if err := s.db.WithContext(ctx).Save(&m).Error; err != nil {
		return ctlerrors.Wrap(ctlerrors.CodeInternal, err, "save action plan")
	}
	return nil
}

func (s *Store) GetActionPlan(ctx context.Context, id string) (*workloadv1alpha1.ActionPlan, error) {
	var m actionPlanModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, wrapNotFound(err, "action plan", id)
	}
	return actionPlanFromModel(m), nil
}

func (s *Store) ListActionPlansByWorkload(ctx context.Context, workloadID string) ([]workloadv1alpha1.ActionPlan, error) {
	var rows []actionPlanModel
	if err := s.db.WithContext(ctx).Where("workload_id = ?", workloadID).Find(&rows).Error; err != nil {
		return nil, ctlerrors.Wrap(ctlerrors.CodeInternal, err, "list action plans by workload")
	}
	out := make([]workloadv1alpha1.ActionPlan, 0, len(rows))
	for _, m := range rows {
		out = append(out, *actionPlanFromModel(m))
	}
	return out, nil
}

func actionPlanFromModel(m actionPlanModel) *workloadv1alpha1.ActionPlan {
	p := &workloadv1alpha1.ActionPlan{
		ID: m.ID, WorkloadID: m.WorkloadID, CorrelationID: m.CorrelationID, Source: workloadv1alpha1.PlanSource(m.Source),
		Status: workloadv1alpha1.PlanStatus(m.Status), Reason: m.Reason, RequiresApproval: m.RequiresApproval, ShadowExecuted: m.ShadowExecuted,
		ApprovalToken: m.ApprovalToken, SubmittedAt: m.SubmittedAt, StartedAt: m.StartedAt, CompletedAt: m.CompletedAt,
	}
	fromJSON(m.StepsJSON, &p.Steps)
	return p
}

func (s *Store) SaveRollbackRecord(ctx context.Context, r *workloadv1alpha1.RollbackRecord) error {
	m := rollbackRecordModel{
		ID: r.ID, DeploymentID: r.DeploymentID, ClusterID: r.ClusterID, ToRevision: r.ToRevision,
		Reason: string(r.Reason), Status: string(r.Status), TriggeredAt: r.TriggeredAt,
		CompletedAt: r.CompletedAt, Error: r.Error,
	}
	if err := s.db.WithContext(ctx).Save(&m).Error; err != nil {
		return ctlerrors.Wrap(ctlerrors.CodeInternal, err, "save rollback record")
	}
	return nil
}

func (s *Store) GetRollbackRecord(ctx context.Context, id string) (*workloadv1alpha1.RollbackRecord, error) {
	var m rollbackRecordModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, wrapNotFound(err, "rollback record", id)
	}
	return &workloadv1alpha1.RollbackRecord{
		ID: m.ID, DeploymentID: m.DeploymentID, ClusterID: m.ClusterID, ToRevision: m.ToRevision,
		Reason: workloadv1alpha1.RollbackReason(m.Reason), Status: workloadv1alpha1.RollbackStatus(m.Status),
		TriggeredAt: m.TriggeredAt, CompletedAt: m.CompletedAt, Error: m.Error,
	}, nil
}

// Transact runs fn inside a real database transaction, committing only if fn
// returns nil.
func (s *Store) Transact(ctx context.Context, fn func(ctx context.Context, tx store.Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		return fn(ctx, NewWithDB(gtx, s.log))
	})
}
