package lanepipe

import "context"

// Task is a named unit of stage work. Pipeline stages reference tasks by
// name; the executor resolves them through its registry at run time.
type Task interface {

	// Name returns the registry name for this task.
	Name() string

	// Execute performs the stage's work with the stage's parameters.
	Execute(ctx context.Context, params map[string]any) (any, error)
}

// TaskFunc adapts a function into a Task.
type TaskFunc struct {
	TaskName string
	Fn       func(ctx context.Context, params map[string]any) (any, error)
}

func (t *TaskFunc) Name() string {
	return t.TaskName
}

func (t *TaskFunc) Execute(ctx context.Context, params map[string]any) (any, error) {
	return t.Fn(ctx, params)
}

// noopTask is used for stages that declare no task. The stage still passes
// through gate evaluation and checkpointing.
type noopTask struct{}

func (t *noopTask) Name() string { return "noop" }

func (t *noopTask) Execute(ctx context.Context, params map[string]any) (any, error) {
	return nil, nil
}
