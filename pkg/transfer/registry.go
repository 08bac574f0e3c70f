package transfer

import (
	"sync"
)

// Observer is notified of every task mutation. Notifications are delivered
// synchronously, in mutation order, outside the registry lock. Observers must not
// mutate the registry.
type Observer interface {
	TaskChanged(task Task)
	TaskDismissed(id string)
}

// Registry owns the user-visible transfer tasks. Add, Update and Dismiss are the only
// mutation points.
type Registry struct {
	mu        sync.RWMutex
	tasks     map[string]*Task
	order     []string
	observers []Observer
	notifyMu  sync.Mutex
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*Task)}
}

func (r *Registry) Subscribe(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

func (r *Registry) Add(task Task) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	if _, exists := r.tasks[task.ID]; !exists {
		r.order = append(r.order, task.ID)
	}
	t := task
	r.tasks[task.ID] = &t
	observers := r.observers
	r.mu.Unlock()

	for _, o := range observers {
		o.TaskChanged(task)
	}
}

// Update applies u to the task. Updates to unknown or terminal tasks are ignored.
// TransferredBytes never decreases while the task is transferring and never exceeds a
// known TotalBytes.
func (r *Registry) Update(id string, u TaskUpdate) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok || t.Status.IsTerminal() {
		r.mu.Unlock()
		return
	}

	if u.TotalBytes != nil {
		t.TotalBytes = *u.TotalBytes
	}
	if u.TransferredBytes != nil {
		n := *u.TransferredBytes
		if t.Status == StatusTransferring && n < t.TransferredBytes {
			n = t.TransferredBytes
		}
		t.TransferredBytes = n
	}
	if t.TotalBytes > 0 && t.TransferredBytes > t.TotalBytes {
		t.TransferredBytes = t.TotalBytes
	}
	if u.Speed != nil {
		t.Speed = *u.Speed
	}
	if u.EndTime != nil {
		end := *u.EndTime
		t.EndTime = &end
	}
	if u.Error != nil {
		t.Error = *u.Error
	}
	if u.Status != nil {
		t.Status = *u.Status
	}

	snapshot := *t
	observers := r.observers
	r.mu.Unlock()

	for _, o := range observers {
		o.TaskChanged(snapshot)
	}
}

func (r *Registry) Dismiss(id string) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	if _, ok := r.tasks[id]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.tasks, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	observers := r.observers
	r.mu.Unlock()

	for _, o := range observers {
		o.TaskDismissed(id)
	}
}

func (r *Registry) Get(id string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// List returns the tasks in creation order.
func (r *Registry) List() []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Task, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.tasks[id])
	}
	return out
}
