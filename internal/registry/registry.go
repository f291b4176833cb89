// Package registry tracks work items currently running across providers and
// notifies observers on every state change.
package registry

import "sync"

// Disposer is the cancellation surface a registered task must expose.
// Dispose requests termination of the underlying process; errors are
// swallowed by the registry.
type Disposer interface {
	Dispose() error
}

// Listener observes registry state changes. Notification is synchronous with
// the mutation that caused it.
type Listener func(isRunning bool, count int, currentPhaseLabel string)

// Task is one tracked work item.
type Task struct {
	TaskID     string
	Label      string
	Handle     Disposer
	Phase      string
	PhaseLabel string
}

// Registry is an insertion-ordered map of running tasks keyed by task id.
// Construct one per process and pass it by reference; it is safe for
// concurrent use.
type Registry struct {
	mu        sync.Mutex
	order     []string
	tasks     map[string]*Task
	listeners map[int]Listener
	nextID    int
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		tasks:     make(map[string]*Task),
		listeners: make(map[int]Listener),
	}
}

// Register inserts or overwrites a task. Overwriting an existing task id
// keeps its position and does not change the count. Listeners are notified
// either way.
func (r *Registry) Register(taskID, label string, handle Disposer) {
	r.mu.Lock()
	if existing, ok := r.tasks[taskID]; ok {
		existing.Label = label
		existing.Handle = handle
		existing.Phase = ""
		existing.PhaseLabel = ""
	} else {
		r.order = append(r.order, taskID)
		r.tasks[taskID] = &Task{TaskID: taskID, Label: label, Handle: handle}
	}
	r.notifyLocked()
}

// Unregister removes a task without disposing it. Unknown ids are a no-op
// with no notification.
func (r *Registry) Unregister(taskID string) {
	r.mu.Lock()
	if _, ok := r.tasks[taskID]; !ok {
		r.mu.Unlock()
		return
	}
	r.removeLocked(taskID)
	r.notifyLocked()
}

// Cancel disposes and removes a task. It reports whether the task existed.
// Dispose errors and panics are swallowed; removal proceeds regardless.
func (r *Registry) Cancel(taskID string) bool {
	r.mu.Lock()
	task, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	dispose(task.Handle)
	r.removeLocked(taskID)
	r.notifyLocked()
	return true
}

// CancelAll disposes and removes every task, returning how many were
// cancelled.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	n := len(r.order)
	if n == 0 {
		r.mu.Unlock()
		return 0
	}
	for _, id := range r.order {
		dispose(r.tasks[id].Handle)
	}
	r.order = r.order[:0]
	r.tasks = make(map[string]*Task)
	r.notifyLocked()
	return n
}

// IsRunning reports whether any task is registered.
func (r *Registry) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order) > 0
}

// RunningTaskIDs returns the registered task ids in insertion order.
func (r *Registry) RunningTaskIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	return ids
}

// UpdatePhase records the current phase of a task and notifies listeners.
// Unknown task ids are a silent no-op.
func (r *Registry) UpdatePhase(taskID, phase, phaseLabel string) {
	r.mu.Lock()
	task, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return
	}
	task.Phase = phase
	task.PhaseLabel = phaseLabel
	r.notifyLocked()
}

// CurrentPhaseLabel returns the first non-empty phase label in insertion
// order. A whitespace-only label counts and is returned as-is. The second
// return is false when no task carries a label.
func (r *Registry) CurrentPhaseLabel() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentPhaseLabelLocked()
}

// AddListener registers an observer and returns a token for RemoveListener.
func (r *Registry) AddListener(fn Listener) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	return id
}

// RemoveListener unregisters the observer for the given token.
func (r *Registry) RemoveListener(token int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.listeners, token)
}

func (r *Registry) removeLocked(taskID string) {
	delete(r.tasks, taskID)
	for i, id := range r.order {
		if id == taskID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Registry) currentPhaseLabelLocked() (string, bool) {
	for _, id := range r.order {
		if label := r.tasks[id].PhaseLabel; label != "" {
			return label, true
		}
	}
	return "", false
}

// notifyLocked snapshots state and listeners, releases the lock, and invokes
// each listener. A panicking listener never prevents the others from running
// and never corrupts registry state.
func (r *Registry) notifyLocked() {
	isRunning := len(r.order) > 0
	count := len(r.order)
	label, _ := r.currentPhaseLabelLocked()
	listeners := make([]Listener, 0, len(r.listeners))
	for _, fn := range r.listeners {
		listeners = append(listeners, fn)
	}
	r.mu.Unlock()

	for _, fn := range listeners {
		safeNotify(fn, isRunning, count, label)
	}
}

func safeNotify(fn Listener, isRunning bool, count int, label string) {
	defer func() {
		_ = recover()
	}()
	fn(isRunning, count, label)
}

func dispose(handle Disposer) {
	if handle == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	_ = handle.Dispose()
}
