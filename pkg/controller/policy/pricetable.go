package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// priceTableRates is the on-disk/S3 shape of a price table:
//
//	{"cpu_core_hour": 0.05, "memory_gb_hour": 0.01, "gpu_hour": {"L4": 0.60}}
type priceTableRates struct {
	CPUCoreHour  *float64           `json:"cpu_core_hour,omitempty"`
	MemoryGBHour *float64           `json:"memory_gb_hour,omitempty"`
	GPUHour      map[string]float64 `json:"gpu_hour,omitempty"`
}

// StaticPriceTable is a PriceTable backed by an in-memory rate set, loaded
// once from a local JSON file or an S3 object and refreshed on demand with
// Reload.
type StaticPriceTable struct {
	mu     sync.RWMutex
	rates  priceTableRates
	source priceSource
}

// priceSource abstracts where the raw JSON bytes come from, so
// StaticPriceTable's Reload logic is identical for a local file and an S3
// object.
type priceSource interface {
	Load(ctx context.Context) ([]byte, error)
}

// NewEmptyPriceTable builds a StaticPriceTable with no backing source. Every
// rate lookup misses, which is the correct default when no cost data has
// been configured: cost_ceiling rules simply have nothing to compare against
// and never fire.
func NewEmptyPriceTable() *StaticPriceTable {
	return &StaticPriceTable{}
}

// CPUCoreHourlyRate implements PriceTable.
func (t *StaticPriceTable) CPUCoreHourlyRate() (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.rates.CPUCoreHour == nil {
		return 0, false
	}
	return *t.rates.CPUCoreHour, true
}

// MemoryGBHourlyRate implements PriceTable.
func (t *StaticPriceTable) MemoryGBHourlyRate() (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.rates.MemoryGBHour == nil {
		return 0, false
	}
	return *t.rates.MemoryGBHour, true
}

// GPUHourlyRate implements PriceTable.
func (t *StaticPriceTable) GPUHourlyRate(sku string) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rate, ok := t.rates.GPUHour[sku]
	return rate, ok
}

// Reload re-fetches and re-parses the price table from its source.
func (t *StaticPriceTable) Reload(ctx context.Context) error {
	raw, err := t.source.Load(ctx)
	if err != nil {
		return fmt.Errorf("load price table: %w", err)
	}
	var rates priceTableRates
	if err := json.Unmarshal(raw, &rates); err != nil {
		return fmt.Errorf("parse price table: %w", err)
	}
	t.mu.Lock()
	t.rates = rates
	t.mu.Unlock()
	return nil
}

// localFileSource loads the price table JSON from a path on disk.
type localFileSource struct{ path string }

func (s localFileSource) Load(_ context.Context) ([]byte, error) {
	return os.ReadFile(s.path)
}

// NewLocalPriceTable builds a StaticPriceTable that reads
// cpu_core_hour/memory_gb_hour/gpu_hour rates from a local JSON file.
func NewLocalPriceTable(ctx context.Context, path string) (*StaticPriceTable, error) {
	t := &StaticPriceTable{source: localFileSource{path: path}}
	if err := t.Reload(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// s3Source loads the price table JSON from an S3 object.
type s3Source struct {
	client *s3.Client
	bucket string
	key    string
}

func (s s3Source) Load(ctx context.Context) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		return nil, fmt.Errorf("get s3://%s/%s: %w", s.bucket, s.key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// NewS3PriceTable builds a StaticPriceTable that reads the price table JSON
// from an S3 object, using the ambient AWS credential chain (environment,
// shared config, EC2/EKS instance role).
func NewS3PriceTable(ctx context.Context, bucket, key string) (*StaticPriceTable, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	t := &StaticPriceTable{
		source: s3Source{client: s3.NewFromConfig(cfg), bucket: bucket, key: key},
	}
	if err := t.Reload(ctx); err != nil {
		return nil, err
	}
	return t, nil
}
