package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"taskboard/domain"
)

// Store is the durable keyed store for task records. Update and Delete take
// the etag observed by a prior Get and fail with
// domain.ErrConcurrencyConflict when the stored entity has moved on, so
// that callers can retry read-modify-write loops and conflicting writes to
// one task land in persisted-commit order.
type Store interface {
	Insert(ctx context.Context, t domain.Task) error
	// Get returns the task and its etag, or (nil, "") when no task with
	// that id exists under that owner.
	Get(ctx context.Context, ownerID, taskID string) (*domain.Task, string, error)
	// List returns all tasks owned by ownerID, newest created first.
	List(ctx context.Context, ownerID string) ([]domain.Task, error)
	Update(ctx context.Context, t domain.Task, etag string) error
	Delete(ctx context.Context, ownerID, taskID, etag string) error
}

// TableStore persists tasks in an Azure Storage table, one partition per
// owner, one row per task.
type TableStore struct {
	taskTable *aztables.Client
}

// New creates a TableStore from the given connection string.
func New(connStr, tasksTable string) (*TableStore, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &TableStore{taskTable: svc.NewClient(tasksTable)}, nil
}

type taskEntity struct {
	aztables.Entity
	ETag          string `json:"odata.etag,omitempty"`
	Title         string `json:"Title"`
	Description   string `json:"Description"`
	Status        string `json:"Status"`
	CreatedAt     int64  `json:"CreatedAt,string"`
	CreatedAtType string `json:"CreatedAt@odata.type"`
	UpdatedAt     int64  `json:"UpdatedAt,string"`
	UpdatedAtType string `json:"UpdatedAt@odata.type"`
}

const edmInt64 = "Edm.Int64"

func toEntity(t domain.Task) taskEntity {
	return taskEntity{
		Entity:        aztables.Entity{PartitionKey: t.OwnerID, RowKey: t.ID},
		Title:         t.Title,
		Description:   t.Description,
		Status:        string(t.Status),
		CreatedAt:     t.CreatedAt.UnixNano(),
		CreatedAtType: edmInt64,
		UpdatedAt:     t.UpdatedAt.UnixNano(),
		UpdatedAtType: edmInt64,
	}
}

func (e taskEntity) task() domain.Task {
	return domain.Task{
		ID:          e.RowKey,
		OwnerID:     e.PartitionKey,
		Title:       e.Title,
		Description: e.Description,
		Status:      domain.TaskStatus(e.Status),
		CreatedAt:   time.Unix(0, e.CreatedAt),
		UpdatedAt:   time.Unix(0, e.UpdatedAt),
	}
}

// Insert adds a new task row. The row key is expected to be fresh, so a 409
// from the table service is a programming error surfaced as-is.
func (s *TableStore) Insert(ctx context.Context, t domain.Task) error {
	payload, err := json.Marshal(toEntity(t))
	if err != nil {
		return err
	}
	_, err = s.taskTable.AddEntity(ctx, payload, nil)
	return err
}

func (s *TableStore) Get(ctx context.Context, ownerID, taskID string) (*domain.Task, string, error) {
	resp, err := s.taskTable.GetEntity(ctx, ownerID, taskID, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 404 {
			return nil, "", nil
		}
		return nil, "", err
	}
	var ent taskEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return nil, "", err
	}
	task := ent.task()
	return &task, ent.ETag, nil
}

func (s *TableStore) List(ctx context.Context, ownerID string) ([]domain.Task, error) {
	filter := "PartitionKey eq '" + ownerID + "'"
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent taskEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			tasks = append(tasks, ent.task())
		}
	}
	// Table queries come back in row-key order; the API contract is
	// newest-created-first.
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	return tasks, nil
}

func (s *TableStore) Update(ctx context.Context, t domain.Task, etag string) error {
	payload, err := json.Marshal(toEntity(t))
	if err != nil {
		return err
	}
	et := azcore.ETag(etag)
	_, err = s.taskTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{
		IfMatch:    &et,
		UpdateMode: aztables.UpdateModeReplace,
	})
	return mapConflict(err)
}

func (s *TableStore) Delete(ctx context.Context, ownerID, taskID, etag string) error {
	et := azcore.ETag(etag)
	_, err := s.taskTable.DeleteEntity(ctx, ownerID, taskID, &aztables.DeleteEntityOptions{IfMatch: &et})
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 404 {
			return domain.ErrNotFound
		}
	}
	return mapConflict(err)
}

func mapConflict(err error) error {
	if err == nil {
		return nil
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == 412 {
		return domain.ErrConcurrencyConflict
	}
	return err
}
