// Package scheduler runs PlannedTasks on their configured cadence: a 60s
// tick loop scans due tasks, claims each one with a short-lived
// distributed lock so only one process instance executes it, and hands
// execution to the same unified workflow turn the agent runtime uses for
// interactive messages.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"github.com/orbitfabric/fabric/store/docdb"
	"github.com/orbitfabric/fabric/store/keys"
	"github.com/orbitfabric/fabric/store/kv"
)

const tickInterval = 60 * time.Second

// Task mirrors one PlannedTasks document.
type Task struct {
	ID              string         `json:"id"`
	UserID          string         `json:"user_id"`
	CompanyID       string         `json:"company_id"`
	ThreadKey       string         `json:"thread_key"`
	Enabled         bool           `json:"enabled"`
	CronSpec        string         `json:"cron_spec"`
	Condition       string         `json:"condition,omitempty"` // CEL boolean expression
	Instructions    string         `json:"instructions"`
	NextExecutionAt int64          `json:"next_execution_utc"` // unix seconds
	LastExecutedAt  int64          `json:"last_executed_utc,omitempty"`
	Vars            map[string]any `json:"vars,omitempty"`
}

// Executor runs one due task's turn; the agent runtime implements this.
type Executor interface {
	ExecuteTaskNow(ctx context.Context, uid, cid, threadKey, instructions string) error
}

// Scheduler owns the tick loop.
type Scheduler struct {
	doc      *docdb.DB
	kvc      *kv.Client
	exec     Executor
	parser   cron.Parser
	collPath string
}

func New(doc *docdb.DB, kvc *kv.Client, exec Executor) *Scheduler {
	return &Scheduler{
		doc:      doc,
		kvc:      kvc,
		exec:     exec,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		collPath: "planned_tasks",
	}
}

// Run ticks every 60s until ctx is cancelled. A tick that finds the
// previous one still running for a given task is a no-op for that task,
// since the lock it tries to acquire is still held.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	tasks, err := s.doc.Query(ctx, s.collPath, []docdb.Filter{{Field: "enabled", Op: "==", Value: true}}, "", 0)
	if err != nil {
		slog.Error("scheduler: query planned tasks failed", "error", err)
		return
	}

	now := time.Now().Unix()
	for _, doc := range tasks {
		task, err := decodeTask(doc.Data)
		if err != nil {
			slog.Warn("scheduler: decode task failed", "path", doc.Path, "error", err)
			continue
		}
		if task.NextExecutionAt > now {
			continue
		}
		// catch-up: a task missed across a restart still runs exactly once
		// this tick, not once per missed interval.
		s.runDue(ctx, doc.Path, task)
	}
}

func (s *Scheduler) runDue(ctx context.Context, path string, task Task) {
	lockKey := keys.CronLock(task.ID)
	locked, err := s.kvc.SetNX(ctx, lockKey, "1", keys.TTLCronLock*time.Second)
	if err != nil {
		slog.Error("scheduler: lock acquire failed", "task_id", task.ID, "error", err)
		return
	}
	if !locked {
		return // another process instance already has this tick
	}
	defer func() { _ = s.kvc.Delete(ctx, lockKey) }()

	if task.Condition != "" {
		pass, err := evaluateCondition(task.Condition, task.Vars)
		if err != nil {
			slog.Warn("scheduler: condition evaluation failed", "task_id", task.ID, "error", err)
			return
		}
		if !pass {
			s.advance(ctx, path, task)
			return
		}
	}

	if s.exec != nil {
		if err := s.exec.ExecuteTaskNow(ctx, task.UserID, task.CompanyID, task.ThreadKey, task.Instructions); err != nil {
			slog.Error("scheduler: task execution failed", "task_id", task.ID, "error", err)
		}
	}
	s.advance(ctx, path, task)
}

func (s *Scheduler) advance(ctx context.Context, path string, task Task) {
	next, err := s.nextExecution(task.CronSpec)
	if err != nil {
		slog.Error("scheduler: compute next execution failed", "task_id", task.ID, "cron_spec", task.CronSpec, "error", err)
		return
	}
	update := map[string]any{
		"next_execution_utc": next.Unix(),
		"last_executed_utc":  time.Now().Unix(),
	}
	if err := s.doc.Set(ctx, path, update, true); err != nil {
		slog.Error("scheduler: advance task failed", "task_id", task.ID, "error", err)
	}
}

func (s *Scheduler) nextExecution(spec string) (time.Time, error) {
	schedule, err := s.parser.Parse(spec)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "scheduler: invalid cron_spec %q", spec)
	}
	return schedule.Next(time.Now()), nil
}

// evaluateCondition compiles and runs a CEL boolean expression against the
// task's vars map, supporting conditional skips (e.g. "balance > 0").
func evaluateCondition(expr string, vars map[string]any) (bool, error) {
	opts := make([]cel.EnvOption, 0, len(vars))
	for k, v := range vars {
		opts = append(opts, cel.Variable(k, celTypeOf(v)))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return false, errors.Wrap(err, "scheduler: cel env")
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return false, errors.Wrapf(issues.Err(), "scheduler: invalid condition %q", expr)
	}
	prg, err := env.Program(ast)
	if err != nil {
		return false, errors.Wrap(err, "scheduler: cel program")
	}
	out, _, err := prg.Eval(vars)
	if err != nil {
		return false, errors.Wrap(err, "scheduler: cel eval")
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("scheduler: condition %q did not evaluate to a boolean", expr)
	}
	return result, nil
}

func celTypeOf(v any) *cel.Type {
	switch v.(type) {
	case bool:
		return cel.BoolType
	case float64, int, int64:
		return cel.DoubleType
	case string:
		return cel.StringType
	default:
		return cel.DynType
	}
}

func decodeTask(data map[string]any) (Task, error) {
	var t Task
	t.ID, _ = data["id"].(string)
	t.UserID, _ = data["user_id"].(string)
	t.CompanyID, _ = data["company_id"].(string)
	t.ThreadKey, _ = data["thread_key"].(string)
	t.Enabled, _ = data["enabled"].(bool)
	t.CronSpec, _ = data["cron_spec"].(string)
	t.Condition, _ = data["condition"].(string)
	t.Instructions, _ = data["instructions"].(string)
	if next, ok := data["next_execution_utc"].(float64); ok {
		t.NextExecutionAt = int64(next)
	}
	if vars, ok := data["vars"].(map[string]any); ok {
		t.Vars = vars
	}
	if t.ID == "" || t.CronSpec == "" {
		return t, errors.New("scheduler: task missing id or cron_spec")
	}
	return t, nil
}
