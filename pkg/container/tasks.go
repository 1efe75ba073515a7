package container

import (
	"slices"
	"sync"
)

// Task is one onboarding task a gadget registers with the container.
type Task struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Completed   bool   `json:"completed,omitempty"`
}

// TaskList keeps the registered tasks per gadget frame.
type TaskList struct {
	mu    sync.Mutex
	tasks map[string][]Task
}

func NewTaskList() *TaskList {
	return &TaskList{tasks: make(map[string][]Task)}
}

// Register replaces the task list of a frame, keeping the completion state of
// tasks that were already known by name.
func (l *TaskList) Register(frameID string, tasks []Task) []Task {
	l.mu.Lock()
	defer l.mu.Unlock()

	previous := l.tasks[frameID]
	next := make([]Task, 0, len(tasks))
	for _, task := range tasks {
		if task.Name == "" {
			continue
		}
		idx := slices.IndexFunc(previous, func(p Task) bool { return p.Name == task.Name })
		if idx >= 0 {
			task.Completed = previous[idx].Completed
		}
		next = append(next, task)
	}
	l.tasks[frameID] = next

	return slices.Clone(next)
}

// Complete marks a task done. It reports false when the frame never
// registered a task by that name.
func (l *TaskList) Complete(frameID, name string) (Task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tasks := l.tasks[frameID]
	idx := slices.IndexFunc(tasks, func(t Task) bool { return t.Name == name })
	if idx < 0 {
		return Task{}, false
	}
	tasks[idx].Completed = true

	return tasks[idx], true
}

// Tasks returns the tasks registered by a frame.
func (l *TaskList) Tasks(frameID string) []Task {
	l.mu.Lock()
	defer l.mu.Unlock()

	return slices.Clone(l.tasks[frameID])
}
