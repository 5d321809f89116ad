// Package aztable stores read models in Azure Table Storage. Each tenant is a
// partition and each domain/period pair is a row, so HasTenant is a single
// partition scan.
package aztable

import (
	"context"
	"errors"
	"maps"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"github.com/reybrally/erp-analytics/internal/app/analytics"
	"github.com/reybrally/erp-analytics/internal/domain/readmodel"
)

const rowSep = "|"

type tableClient interface {
	GetEntity(ctx context.Context, partitionKey, rowKey string, o *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	AddEntity(ctx context.Context, entity []byte, o *aztables.AddEntityOptions) (aztables.AddEntityResponse, error)
	UpdateEntity(ctx context.Context, entity []byte, o *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error)
	UpsertEntity(ctx context.Context, entity []byte, o *aztables.UpsertEntityOptions) (aztables.UpsertEntityResponse, error)
	NewListEntitiesPager(o *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
}

// Store implements analytics.ReadModelStore. CompareAndSet reads the row,
// compares the version map and revision, then writes with If-Match on the row ETag,
// so a concurrent writer between the two calls surfaces as a 412.
type Store struct {
	table tableClient
}

// entity is the row layout. Maps are kept as JSON strings because table
// properties are flat.
type entity struct {
	aztables.Entity
	Metrics     string    `json:"Metrics"`
	State       string    `json:"State"`
	Versions    string    `json:"Versions"`
	LastUpdated time.Time `json:"LastUpdated"`
	Revision    string    `json:"Revision"`
}

// New opens the named table from a storage connection string.
func New(connStr, table string) (*Store, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: 15 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &Store{table: svc.NewClient(table)}, nil
}

func rowKey(k readmodel.Key) string { return k.Domain + rowSep + k.Period }

func keyFrom(pk, rk string) (readmodel.Key, bool) {
	domain, period, ok := strings.Cut(rk, rowSep)
	if !ok || pk == "" || domain == "" || period == "" {
		return readmodel.Key{}, false
	}
	return readmodel.Key{TenantID: pk, Domain: domain, Period: period}, true
}

func (s *Store) Get(ctx context.Context, key readmodel.Key) (readmodel.ReadModel, error) {
	m, _, err := s.get(ctx, key)
	return m, err
}

func (s *Store) get(ctx context.Context, key readmodel.Key) (readmodel.ReadModel, azcore.ETag, error) {
	resp, err := s.table.GetEntity(ctx, key.TenantID, rowKey(key), nil)
	if err != nil {
		return readmodel.ReadModel{}, "", mapErr(ctx, err)
	}
	var ent entity
	if err := sonic.Unmarshal(resp.Value, &ent); err != nil {
		return readmodel.ReadModel{}, "", err
	}
	m, err := ent.model()
	if err != nil {
		return readmodel.ReadModel{}, "", err
	}
	return m, resp.ETag, nil
}

func (s *Store) Put(ctx context.Context, m readmodel.ReadModel) error {
	payload, err := encode(m)
	if err != nil {
		return err
	}
	_, err = s.table.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	return mapErr(ctx, err)
}

func (s *Store) CompareAndSet(ctx context.Context, expected map[string]int64, next readmodel.ReadModel) error {
	payload, err := encode(next)
	if err != nil {
		return err
	}
	if expected == nil {
		_, err = s.table.AddEntity(ctx, payload, nil)
		return mapErr(ctx, err)
	}

	cur, etag, err := s.get(ctx, next.Key)
	if errors.Is(err, analytics.ErrNotFound) {
		return analytics.ErrConcurrencyConflict
	}
	if err != nil {
		return err
	}
	if !maps.Equal(cur.SourceEventVersions, expected) || cur.Revision != next.Revision-1 {
		return analytics.ErrConcurrencyConflict
	}
	_, err = s.table.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{
		IfMatch:    &etag,
		UpdateMode: aztables.UpdateModeReplace,
	})
	return mapErr(ctx, err)
}

func (s *Store) ListKeys(ctx context.Context) ([]readmodel.Key, error) {
	return s.keys(ctx, nil, 0)
}

func (s *Store) HasTenant(ctx context.Context, tenantID string) (bool, error) {
	filter := "PartitionKey eq '" + quote(tenantID) + "'"
	keys, err := s.keys(ctx, &filter, 1)
	if err != nil {
		return false, err
	}
	return len(keys) > 0, nil
}

func (s *Store) keys(ctx context.Context, filter *string, limit int) ([]readmodel.Key, error) {
	sel := "PartitionKey,RowKey"
	pager := s.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: filter, Select: &sel})
	var out []readmodel.Key
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, mapErr(ctx, err)
		}
		for _, raw := range resp.Entities {
			var ent aztables.Entity
			if err := sonic.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			if k, ok := keyFrom(ent.PartitionKey, ent.RowKey); ok {
				out = append(out, k)
			}
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// Revision is written as a string so the table keeps full int64 range
// without an Edm.Int64 annotation.
func formatRevision(r int64) string { return strconv.FormatInt(r, 10) }

func parseRevision(s string) int64 {
	r, _ := strconv.ParseInt(s, 10, 64)
	return r
}

func quote(s string) string { return strings.ReplaceAll(s, "'", "''") }

func encode(m readmodel.ReadModel) ([]byte, error) {
	metrics, err := sonic.MarshalString(m.Metrics)
	if err != nil {
		return nil, err
	}
	state, err := sonic.MarshalString(m.State)
	if err != nil {
		return nil, err
	}
	versions, err := sonic.MarshalString(m.SourceEventVersions)
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(entity{
		Entity:      aztables.Entity{PartitionKey: m.TenantID, RowKey: rowKey(m.Key)},
		Metrics:     metrics,
		State:       state,
		Versions:    versions,
		LastUpdated: m.LastUpdated.UTC(),
		Revision:    formatRevision(m.Revision),
	})
}

func (e entity) model() (readmodel.ReadModel, error) {
	key, ok := keyFrom(e.PartitionKey, e.RowKey)
	if !ok {
		return readmodel.ReadModel{}, errors.New("aztable: malformed row key " + e.RowKey)
	}
	m := readmodel.New(key)
	if e.Metrics != "" {
		if err := sonic.UnmarshalString(e.Metrics, &m.Metrics); err != nil {
			return readmodel.ReadModel{}, err
		}
	}
	if e.State != "" {
		if err := sonic.UnmarshalString(e.State, &m.State); err != nil {
			return readmodel.ReadModel{}, err
		}
	}
	if e.Versions != "" {
		if err := sonic.UnmarshalString(e.Versions, &m.SourceEventVersions); err != nil {
			return readmodel.ReadModel{}, err
		}
	}
	m.LastUpdated = e.LastUpdated
	m.Revision = parseRevision(e.Revision)
	return m.Clone(), nil
}

// mapErr translates table service status codes into analytics sentinels.
func mapErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return analytics.ErrTimeout
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusNotFound:
			return analytics.ErrNotFound
		case http.StatusConflict, http.StatusPreconditionFailed:
			return analytics.ErrConcurrencyConflict
		}
	}
	return errors.Join(analytics.ErrStoreUnavailable, err)
}
