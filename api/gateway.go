package api

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
	"taskboard/storage"
)

// Publisher fans a mutation event out to the owner's other live sessions.
// Implementations must not block the caller.
type Publisher interface {
	Publish(ev domain.Event, excludeTransportID string)
}

// Gateway is the authoritative CRUD surface for tasks. Every successful
// mutation persists first and then publishes exactly one event carrying
// the canonical result. The two steps are not transactional: a dropped
// publish leaves other sessions stale until their next full fetch, never
// the other way around.
type Gateway struct {
	store  storage.Store
	bus    Publisher
	logger *log.Logger
}

func NewGateway(store storage.Store, bus Publisher, logger *log.Logger) *Gateway {
	return &Gateway{store: store, bus: bus, logger: logger}
}

// Create persists a new task owned by identity with status todo.
func (g *Gateway) Create(ctx context.Context, identity, title, description string) (domain.Task, error) {
	if strings.TrimSpace(title) == "" {
		return domain.Task{}, domain.ValidationError("title must not be empty")
	}
	now := time.Now().UTC()
	task := domain.Task{
		ID:          uuid.NewString(),
		Title:       title,
		Description: description,
		Status:      domain.StatusTodo,
		OwnerID:     identity,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := g.store.Insert(ctx, task); err != nil {
		return domain.Task{}, err
	}
	g.publish(domain.Event{Kind: domain.TaskCreated, OwnerID: identity, TaskID: task.ID, Task: &task}, originSession(ctx))
	return task, nil
}

// List returns all tasks owned by identity, newest created first. The
// result is a finite snapshot; live updates arrive over the event bus.
func (g *Gateway) List(ctx context.Context, identity string) ([]domain.Task, error) {
	return g.store.List(ctx, identity)
}

// Get returns the task, or domain.ErrNotFound when no task with that id is
// owned by identity. A task owned by someone else is indistinguishable
// from a missing one.
func (g *Gateway) Get(ctx context.Context, identity, taskID string) (domain.Task, error) {
	task, _, err := g.store.Get(ctx, identity, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if task == nil {
		return domain.Task{}, domain.ErrNotFound
	}
	return *task, nil
}

// Update applies the fields present in patch and refreshes UpdatedAt.
// Concurrent updates to the same task are retried against the latest
// version, so the persisted and published result reflects whichever
// update committed last.
func (g *Gateway) Update(ctx context.Context, identity, taskID string, patch domain.TaskPatch) (domain.Task, error) {
	if err := patch.Validate(); err != nil {
		return domain.Task{}, err
	}
	var task domain.Task
	for {
		current, etag, err := g.store.Get(ctx, identity, taskID)
		if err != nil {
			return domain.Task{}, err
		}
		if current == nil {
			return domain.Task{}, domain.ErrNotFound
		}
		task = *current
		patch.Apply(&task)
		task.UpdatedAt = time.Now().UTC()

		err = g.store.Update(ctx, task, etag)
		if err == nil {
			break
		}
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			continue
		}
		return domain.Task{}, err
	}
	g.publish(domain.Event{Kind: domain.TaskUpdated, OwnerID: identity, TaskID: taskID, Task: &task}, originSession(ctx))
	return task, nil
}

// Delete removes the task permanently, under the same not-found rule as
// Get.
func (g *Gateway) Delete(ctx context.Context, identity, taskID string) error {
	for {
		current, etag, err := g.store.Get(ctx, identity, taskID)
		if err != nil {
			return err
		}
		if current == nil {
			return domain.ErrNotFound
		}
		err = g.store.Delete(ctx, identity, taskID, etag)
		if err == nil {
			break
		}
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			continue
		}
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrNotFound
		}
		return err
	}
	g.publish(domain.Event{Kind: domain.TaskDeleted, OwnerID: identity, TaskID: taskID}, originSession(ctx))
	return nil
}

func (g *Gateway) publish(ev domain.Event, exclude string) {
	if g.bus == nil {
		return
	}
	ev.Timestamp = nextTimestamp()
	g.bus.Publish(ev, exclude)
}

type originSessionKey struct{}

// WithOriginSession records the transport id of the session that issued
// the mutation, so fan-out can skip the one client that already has the
// result in its HTTP response.
func WithOriginSession(ctx context.Context, transportID string) context.Context {
	if transportID == "" {
		return ctx
	}
	return context.WithValue(ctx, originSessionKey{}, transportID)
}

func originSession(ctx context.Context) string {
	id, _ := ctx.Value(originSessionKey{}).(string)
	return id
}
