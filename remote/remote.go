// Package remote adapts an Azure Storage table to the Remote Store contract
// used by the sync engine: whole-record reads and writes keyed by entity type
// and id.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"prism-sync/domain"
)

type table interface {
	CreateTable(ctx context.Context, o *aztables.CreateTableOptions) (aztables.CreateTableResponse, error)
	GetEntity(ctx context.Context, partitionKey, rowKey string, o *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	UpsertEntity(ctx context.Context, entity []byte, o *aztables.UpsertEntityOptions) (aztables.UpsertEntityResponse, error)
	NewListEntitiesPager(o *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
}

// Store is the Remote Store backed by a single table. Boards and tasks live in
// separate partitions; the row key is the record id.
type Store struct {
	table table
}

// New connects to the named table. The sync engine owns retries, so the
// client gives up quickly.
func New(connStr, tableName string) (*Store, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    1,
				TryTimeout:    15 * time.Second,
				RetryDelay:    500 * time.Millisecond,
				MaxRetryDelay: 2 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &Store{table: svc.NewClient(tableName)}, nil
}

// EnsureTable creates the table when it does not exist yet.
func (s *Store) EnsureTable(ctx context.Context) error {
	_, err := s.table.CreateTable(ctx, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists) {
			return nil
		}
		return classifyErr("create table", err)
	}
	return nil
}

// Read fetches the remote copy of a record. It returns domain.ErrNotFound
// when the remote store has never seen it.
func (s *Store) Read(ctx context.Context, kind domain.EntityType, id string) (domain.RemoteRecord, error) {
	resp, err := s.table.GetEntity(ctx, string(kind), id, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
			return domain.RemoteRecord{}, domain.ErrNotFound
		}
		return domain.RemoteRecord{}, classifyErr("read", err)
	}
	rec, err := decodeEntity(resp.Value)
	if err != nil {
		return domain.RemoteRecord{}, &domain.NetworkError{Op: "read", Err: err}
	}
	return domain.RemoteRecord{Record: rec, ETag: string(resp.ETag)}, nil
}

// Write replaces the remote copy of a record with rec.
func (s *Store) Write(ctx context.Context, rec domain.Record) (domain.RemoteRecord, error) {
	payload, err := encodeEntity(rec)
	if err != nil {
		return domain.RemoteRecord{}, err
	}
	resp, err := s.table.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	if err != nil {
		return domain.RemoteRecord{}, classifyErr("write", err)
	}
	return domain.RemoteRecord{Record: rec, ETag: string(resp.ETag)}, nil
}

// ListTasks returns every remote task of a board, tombstones included.
func (s *Store) ListTasks(ctx context.Context, boardID string) ([]*domain.Task, error) {
	filter := fmt.Sprintf("PartitionKey eq '%s' and BoardId eq '%s'", domain.EntityTask, escape(boardID))
	pager := s.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []*domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, classifyErr("list", err)
		}
		for _, e := range resp.Entities {
			rec, err := decodeEntity(e)
			if err != nil {
				return nil, &domain.NetworkError{Op: "list", Err: err}
			}
			if task, ok := rec.(*domain.Task); ok {
				tasks = append(tasks, task)
			}
		}
	}
	return tasks, nil
}

func escape(v string) string { return strings.ReplaceAll(v, "'", "''") }

func classifyErr(op string, err error) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && (respErr.StatusCode == http.StatusUnauthorized || respErr.StatusCode == http.StatusForbidden) {
		return &domain.PermissionError{Op: op, Err: err}
	}
	return &domain.NetworkError{Op: op, Err: err}
}

func encodeEntity(rec domain.Record) ([]byte, error) {
	data, err := domain.EncodeRecord(rec)
	if err != nil {
		return nil, err
	}
	props := map[string]any{
		"Version":   aztables.EDMInt64(rec.RecordVersion()),
		"UpdatedAt": aztables.EDMInt64(rec.RecordUpdatedAt().UnixNano()),
		"Data":      string(data),
	}
	if task, ok := rec.(*domain.Task); ok {
		props["BoardId"] = task.BoardID
		props["Tombstoned"] = task.Tombstoned
	}
	return sonic.Marshal(&aztables.EDMEntity{
		Entity:     aztables.Entity{PartitionKey: string(rec.EntityType()), RowKey: rec.RecordID()},
		Properties: props,
	})
}

func decodeEntity(raw []byte) (domain.Record, error) {
	var ent aztables.EDMEntity
	if err := sonic.Unmarshal(raw, &ent); err != nil {
		return nil, fmt.Errorf("decode entity: %w", err)
	}
	kind := domain.EntityType(ent.PartitionKey)
	if !kind.Valid() {
		return nil, fmt.Errorf("entity %s has unknown partition %q", ent.RowKey, ent.PartitionKey)
	}
	data, _ := ent.Properties["Data"].(string)
	rec, err := domain.DecodeRecord(kind, []byte(data))
	if err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", kind, ent.RowKey, err)
	}
	version, ok := int64Prop(ent.Properties["Version"])
	if !ok {
		return nil, fmt.Errorf("%s %s has no version", kind, ent.RowKey)
	}
	updated, _ := int64Prop(ent.Properties["UpdatedAt"])
	return domain.Stamp(rec, version, time.Unix(0, updated)), nil
}

func int64Prop(v any) (int64, bool) {
	switch n := v.(type) {
	case aztables.EDMInt64:
		return int64(n), true
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}
