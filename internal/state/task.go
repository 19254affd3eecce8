package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Task is a named autonomous prompt delivered into a room on a cron
// schedule or when its webhook fires.
type Task struct {
	Name     string `json:"name"`
	Prompt   string `json:"prompt"`
	Schedule string `json:"schedule,omitempty"`
	RoomKey  string `json:"room_key"`
	Enabled  bool   `json:"enabled"`

	LastFiredAt *time.Time `json:"last_fired_at,omitempty"`
	FireCount   int        `json:"fire_count,omitempty"`
}

// Validate checks the fields every task needs. The room key must carry a
// platform prefix ("telegram:123") so replies can be routed.
func (t *Task) Validate() error {
	switch {
	case strings.TrimSpace(t.Name) == "":
		return errors.New("task name is required")
	case strings.ContainsAny(t.Name, "/ "):
		return fmt.Errorf("task name %q must not contain spaces or slashes", t.Name)
	case strings.TrimSpace(t.Prompt) == "":
		return errors.New("task prompt is required")
	case !strings.Contains(t.RoomKey, ":"):
		return fmt.Errorf("room key %q must look like <platform>:<id>", t.RoomKey)
	}
	return nil
}

// TaskStore keeps tasks in a single JSON file.
type TaskStore struct {
	path string
	mu   sync.RWMutex
}

// NewTaskStore creates a TaskStore backed by the file at path.
func NewTaskStore(path string) *TaskStore {
	return &TaskStore{path: path}
}

// Path returns the backing file.
func (s *TaskStore) Path() string {
	return s.path
}

// List returns all tasks, or an empty slice when the file does not exist.
func (s *TaskStore) List() ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks, err := s.load()
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []*Task{}
	}
	return tasks, nil
}

// Get finds a task by name.
func (s *TaskStore) Get(name string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks, err := s.load()
	if err != nil {
		return nil, err
	}
	if i := indexOf(tasks, name); i >= 0 {
		return tasks[i], nil
	}
	return nil, fmt.Errorf("task %s: %w", name, ErrNotFound)
}

// Add validates and appends a task. Names are unique.
func (s *TaskStore) Add(task *Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	return s.update(func(tasks []*Task) ([]*Task, error) {
		if indexOf(tasks, task.Name) >= 0 {
			return nil, fmt.Errorf("task already exists: %s", task.Name)
		}
		return append(tasks, task), nil
	})
}

// Remove deletes a task by name.
func (s *TaskStore) Remove(name string) error {
	return s.update(func(tasks []*Task) ([]*Task, error) {
		i := indexOf(tasks, name)
		if i < 0 {
			return nil, fmt.Errorf("task %s: %w", name, ErrNotFound)
		}
		return append(tasks[:i], tasks[i+1:]...), nil
	})
}

// SetEnabled toggles a task's enabled flag.
func (s *TaskStore) SetEnabled(name string, enabled bool) error {
	return s.modify(name, func(t *Task) { t.Enabled = enabled })
}

// MarkFired records that a task was admitted at the given time.
func (s *TaskStore) MarkFired(name string, at time.Time) error {
	return s.modify(name, func(t *Task) {
		at := at.UTC()
		t.LastFiredAt = &at
		t.FireCount++
	})
}

func (s *TaskStore) modify(name string, fn func(*Task)) error {
	return s.update(func(tasks []*Task) ([]*Task, error) {
		i := indexOf(tasks, name)
		if i < 0 {
			return nil, fmt.Errorf("task %s: %w", name, ErrNotFound)
		}
		fn(tasks[i])
		return tasks, nil
	})
}

// update applies fn to the stored list under the write lock and persists
// the result. Nothing is written when fn fails.
func (s *TaskStore) update(fn func([]*Task) ([]*Task, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return err
	}
	tasks, err = fn(tasks)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tasks: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create tasks dir: %w", err)
	}
	return writeAtomic(s.path, data)
}

func (s *TaskStore) load() ([]*Task, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tasks file: %w", err)
	}

	var tasks []*Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("unmarshal tasks: %w", err)
	}
	return tasks, nil
}

func indexOf(tasks []*Task, name string) int {
	for i, t := range tasks {
		if t.Name == name {
			return i
		}
	}
	return -1
}
