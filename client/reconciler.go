package client

import (
	"sync"

	"taskboard/domain"
)

// Reconciler is the per-client view of the owner's tasks. It merges the
// client's own HTTP mutation results and asynchronous fan-out events from
// other sessions through one idempotent merge, so the two paths can never
// disagree or double-apply.
//
// Ordering is kept newest-created-first: unseen tasks are inserted at the
// front, merges of known tasks replace in place.
type Reconciler struct {
	mu    sync.Mutex
	order []string
	tasks map[string]domain.Task
}

func NewReconciler() *Reconciler {
	return &Reconciler{tasks: make(map[string]domain.Task)}
}

// ApplyLocal merges a task returned by the client's own HTTP call.
func (r *Reconciler) ApplyLocal(t domain.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.merge(t)
}

// ApplyRemote merges a fan-out event from another session. Deletes for
// tasks this client never saw are a no-op.
func (r *Reconciler) ApplyRemote(ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch ev.Kind {
	case domain.TaskCreated, domain.TaskUpdated:
		if ev.Task != nil {
			r.merge(*ev.Task)
		}
	case domain.TaskDeleted:
		r.remove(ev.TaskID)
	}
}

// Remove drops the task from the view. Used for the client's own
// successful deletes; shares removal logic with remote delete events.
func (r *Reconciler) Remove(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remove(taskID)
}

// Reset replaces the whole view with a full list fetch, assumed to already
// be in newest-created-first order. Used to recover after a reconnect.
func (r *Reconciler) Reset(tasks []domain.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = r.order[:0]
	r.tasks = make(map[string]domain.Task, len(tasks))
	for _, t := range tasks {
		r.order = append(r.order, t.ID)
		r.tasks[t.ID] = t
	}
}

// Snapshot returns a copy of the current view in display order.
func (r *Reconciler) Snapshot() []domain.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Task, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.tasks[id])
	}
	return out
}

func (r *Reconciler) merge(t domain.Task) {
	if existing, ok := r.tasks[t.ID]; ok {
		// A task version older than the one already applied is a stale
		// replay; dropping it keeps a late-arriving earlier update from
		// overwriting a newer one.
		if existing.UpdatedAt.After(t.UpdatedAt) {
			return
		}
		r.tasks[t.ID] = t
		return
	}
	r.tasks[t.ID] = t
	r.order = append([]string{t.ID}, r.order...)
}

func (r *Reconciler) remove(taskID string) {
	if _, ok := r.tasks[taskID]; !ok {
		return
	}
	delete(r.tasks, taskID)
	for i, id := range r.order {
		if id == taskID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}
