//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"

	"trpc.group/trpc-go/trpc-graph-go/graph/internal/channel"
	itelemetry "trpc.group/trpc-go/trpc-graph-go/internal/telemetry"
	"trpc.group/trpc-go/trpc-graph-go/log"
	"trpc.group/trpc-go/trpc-graph-go/telemetry/trace"
)

// run is one Start, Resume or Continue call on a thread. It owns the
// thread lock for its lifetime.
type run struct {
	exec     *Executor
	threadID string
	store    *channel.Store
	last     *Checkpoint
	barriers map[string][]string
	events   chan<- *StepEvent
	// seeded is set when the call persisted an input checkpoint that has
	// not been reported yet.
	seeded bool
	steps  int
	logger log.Logger
}

// stepPlan is the work of one super-step.
type stepPlan struct {
	step      int
	tasks     []*task
	completed []TaskRecord
	resume    bool
}

type task struct {
	spec    TaskSpec
	resumes []any
	resumed bool
	// waiting holds the interrupt of a task the resume command left
	// unanswered; such a task does not run.
	waiting *InterruptState

	view      State
	updates   []State
	sends     []Send
	hasGoto   bool
	interrupt *InterruptError
	err       error
}

func (e *Executor) newRun(threadID string) *run {
	return &run{
		exec:     e,
		threadID: threadID,
		store:    e.graph.schema.newStore(),
		barriers: make(map[string][]string),
		logger:   log.With("thread", threadID),
	}
}

func (r *run) restore(latest *Checkpoint) error {
	if err := r.store.Restore(latest.Values, latest.Versions); err != nil {
		return fmt.Errorf("restore thread %s at step %d: %w", r.threadID, latest.Step, err)
	}
	r.last = latest
	r.barriers = make(map[string][]string, len(latest.Barriers))
	for k, v := range latest.Barriers {
		r.barriers[k] = slices.Clone(v)
	}
	return nil
}

// seed applies input, routes from Start and persists the input checkpoint.
func (r *run) seed(ctx context.Context, input State, prior *Checkpoint) error {
	if err := r.store.Check(input); err != nil {
		var unknown *channel.UnknownError
		if errors.As(err, &unknown) {
			return &UnknownChannelError{Channel: unknown.Name}
		}
		return err
	}
	input, err := r.exec.graph.schema.coerce(input)
	if err != nil {
		return fmt.Errorf("invalid input: %w", err)
	}
	var writes []PendingWrite
	for i, k := range sortedKeys(input) {
		if err := r.store.Apply(k, input[k]); err != nil {
			return fmt.Errorf("apply input %q: %w", k, err)
		}
		writes = append(writes, PendingWrite{
			TaskID:   Start,
			NodeID:   Start,
			Channel:  k,
			Value:    channel.DeepCopy(input[k]),
			Sequence: int64(i),
		})
	}
	merged := State(r.store.Snapshot())
	if err := r.exec.graph.schema.Validate(merged); err != nil {
		return fmt.Errorf("invalid input: %w", err)
	}
	step := 0
	if prior != nil {
		step = prior.Step + 1
	}
	next, err := r.route(ctx, step, []TaskRecord{{ID: Start, Node: Start}}, merged)
	if err != nil {
		return err
	}
	ckpt := r.newCheckpoint(step, SourceInput, next)
	ckpt.Writes = writes
	if err := r.persist(ctx, ckpt); err != nil {
		return err
	}
	r.seeded = true
	r.logger.Debugf("seeded at step %d, next %v", step, ckpt.NextNodes())
	return nil
}

// nextPlan runs the frontier of the last checkpoint.
func (r *run) nextPlan() *stepPlan {
	plan := &stepPlan{step: r.last.Step + 1}
	if r.last.Status == StatusDone {
		return plan
	}
	for _, spec := range r.last.Next {
		plan.tasks = append(plan.tasks, &task{spec: spec})
	}
	return plan
}

// resumePlan reruns the interrupted tasks cmd answers, with the answer
// appended to the ones they already received. The other tasks keep their
// interrupt. It fails when cmd answers none of them.
func (r *run) resumePlan(cmd *ResumeCommand) (*stepPlan, error) {
	plan := &stepPlan{
		step:      r.last.Step + 1,
		completed: slices.Clone(r.last.Completed),
		resume:    true,
	}
	pending := make(map[string]InterruptState, len(r.last.Interrupts))
	for _, in := range r.last.Interrupts {
		pending[in.TaskID] = in
	}
	answered := 0
	for _, spec := range r.last.Next {
		in := pending[spec.ID]
		v, ok := cmd.answer(spec.ID)
		if !ok {
			plan.tasks = append(plan.tasks, &task{spec: spec, resumes: in.Resumes, waiting: &in})
			continue
		}
		answered++
		resumes := append(slices.Clone(in.Resumes), v)
		plan.tasks = append(plan.tasks, &task{spec: spec, resumes: resumes, resumed: true})
	}
	if answered == 0 {
		return nil, fmt.Errorf("%w: thread %s", ErrNoResumeValue, r.threadID)
	}
	return plan, nil
}

func (r *run) loop(ctx context.Context, plan *stepPlan) {
	if r.seeded {
		if !r.emit(ctx, r.stepEvent(EventTypeStep, nil)) {
			return
		}
	}
	for {
		if len(plan.tasks) == 0 {
			r.finish(ctx, r.stepEvent(EventTypeDone, nil))
			return
		}
		if r.exec.maxSteps > 0 && r.steps >= r.exec.maxSteps {
			r.fail(ctx, fmt.Errorf("%w: %d", ErrMaxStepsExceeded, r.exec.maxSteps))
			return
		}
		r.steps++
		next, ev, err := r.superstep(ctx, plan)
		if err != nil {
			r.fail(ctx, err)
			return
		}
		if ev.Type == EventTypeInterrupted {
			r.finish(ctx, ev)
			return
		}
		if !r.emit(ctx, ev) {
			return
		}
		plan = next
	}
}

func (r *run) emit(ctx context.Context, ev *StepEvent) bool {
	select {
	case r.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *run) finish(ctx context.Context, ev *StepEvent) {
	logRunEnd(r.logger, ev)
	r.emit(ctx, ev)
}

func (r *run) fail(ctx context.Context, err error) {
	r.exec.instruments.failed(ctx)
	ev := &StepEvent{
		Type:      EventTypeFailed,
		ThreadID:  r.threadID,
		Err:       err,
		Timestamp: time.Now().UTC(),
	}
	if r.last != nil {
		ev.Step = r.last.Step
		ev.CheckpointID = r.last.ID
	}
	logRunEnd(r.logger, ev)
	if ctx.Err() != nil {
		// The consumer may be gone; report without blocking.
		select {
		case r.events <- ev:
		default:
		}
		return
	}
	r.emit(ctx, ev)
}

func (r *run) stepEvent(typ EventType, updates []NodeUpdate) *StepEvent {
	ev := &StepEvent{
		Type:         typ,
		ThreadID:     r.threadID,
		Step:         r.last.Step,
		CheckpointID: r.last.ID,
		Next:         r.last.NextNodes(),
		Interrupts:   r.last.Interrupts,
		Timestamp:    time.Now().UTC(),
	}
	if typ == EventTypeDone || r.exec.streamMode == StreamModeValues {
		ev.State = State(r.store.Snapshot())
	}
	if r.exec.streamMode == StreamModeUpdates {
		ev.Updates = updates
	}
	return ev
}

func (r *run) newCheckpoint(step int, source string, next []TaskSpec) *Checkpoint {
	ckpt := NewCheckpoint(r.threadID, step, source, r.last)
	ckpt.Values = r.store.Written()
	ckpt.Versions = r.store.Versions()
	ckpt.UpdatedChannels = r.store.Updated()
	ckpt.Next = next
	if len(next) == 0 {
		ckpt.Status = StatusDone
	}
	if len(r.barriers) > 0 {
		ckpt.Barriers = make(map[string][]string, len(r.barriers))
		for k, v := range r.barriers {
			ckpt.Barriers[k] = slices.Clone(v)
		}
	}
	return ckpt
}

func (r *run) persist(ctx context.Context, ckpt *Checkpoint) error {
	if err := r.exec.saver.Put(ctx, ckpt); err != nil {
		if errors.Is(err, ErrStepConflict) {
			// Another writer got the step first.
			return fmt.Errorf("persist checkpoint %s/%d: %w", r.threadID, ckpt.Step, &ThreadBusyError{ThreadID: r.threadID})
		}
		return fmt.Errorf("persist checkpoint %s/%d: %w", r.threadID, ckpt.Step, err)
	}
	r.store.ResetUpdated()
	r.last = ckpt
	return nil
}

// superstep runs the tasks of plan concurrently, merges their updates in
// plan order and persists the resulting checkpoint. Nothing is persisted
// when a task fails or ctx is canceled.
func (r *run) superstep(ctx context.Context, plan *stepPlan) (*stepPlan, *StepEvent, error) {
	started := time.Now()
	ctx, span := trace.Tracer.Start(ctx, itelemetry.NewSuperstepSpanName(plan.step))
	defer span.End()
	span.SetAttributes(threadAttr(r.threadID))

	shared := State(r.store.Snapshot())
	var wg sync.WaitGroup
	for _, t := range plan.tasks {
		if t.waiting != nil {
			continue
		}
		if err := r.prepare(t, shared); err != nil {
			t.err = err
			continue
		}
		wg.Add(1)
		if err := r.exec.pool.Submit(func() {
			defer wg.Done()
			r.runTask(ctx, plan.step, t)
		}); err != nil {
			wg.Done()
			t.err = fmt.Errorf("submit task: %w", err)
		}
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	for _, t := range plan.tasks {
		if t.err != nil {
			span.SetStatus(codes.Error, t.err.Error())
			return nil, nil, &NodeExecutionError{NodeID: t.spec.Node, TaskID: t.spec.ID, Step: plan.step, Err: t.err}
		}
	}

	updates, writes, err := r.merge(plan)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, err
	}

	var interrupted []*task
	records := slices.Clone(plan.completed)
	for _, t := range plan.tasks {
		if t.interrupt != nil || t.waiting != nil {
			interrupted = append(interrupted, t)
			continue
		}
		records = append(records, TaskRecord{ID: t.spec.ID, Node: t.spec.Node, Goto: t.sends, HasGoto: t.hasGoto})
	}

	if len(interrupted) > 0 {
		source := SourceInterrupt
		if plan.resume {
			source = SourceResume
		}
		ckpt := r.newCheckpoint(plan.step, source, nil)
		ckpt.Status = StatusInterrupted
		ckpt.Writes = writes
		ckpt.Completed = records
		for _, t := range interrupted {
			if t.waiting != nil {
				ckpt.Next = append(ckpt.Next, t.spec)
				ckpt.Interrupts = append(ckpt.Interrupts, *t.waiting)
				continue
			}
			ckpt.Next = append(ckpt.Next, TaskSpec{ID: t.spec.ID, Node: t.spec.Node, Input: t.view, Isolated: true})
			ckpt.Interrupts = append(ckpt.Interrupts, InterruptState{
				TaskID:  t.spec.ID,
				NodeID:  t.spec.Node,
				Value:   t.interrupt.Value,
				Path:    append([]string{t.spec.Node}, t.interrupt.Path...),
				Resumes: t.resumes,
				Created: t.interrupt.Timestamp,
			})
			r.exec.instruments.interrupted(ctx, t.spec.Node)
		}
		if err := r.persist(ctx, ckpt); err != nil {
			return nil, nil, err
		}
		r.exec.instruments.stepDone(ctx, started, ckpt.Status)
		return nil, r.stepEvent(EventTypeInterrupted, updates), nil
	}

	next, err := r.route(ctx, plan.step, records, State(r.store.Snapshot()))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, err
	}
	source := SourceLoop
	if plan.resume {
		source = SourceResume
	}
	ckpt := r.newCheckpoint(plan.step, source, next)
	ckpt.Writes = writes
	if err := r.persist(ctx, ckpt); err != nil {
		return nil, nil, err
	}
	r.exec.instruments.stepDone(ctx, started, ckpt.Status)
	r.logger.Debugf("step %d merged %d writes, next %v", plan.step, len(writes), ckpt.NextNodes())
	return r.nextPlan(), r.stepEvent(EventTypeStep, updates), nil
}

// prepare sets the state a task sees: its own input for isolated tasks,
// a copy of the shared state otherwise.
func (r *run) prepare(t *task, shared State) error {
	if !t.spec.Isolated {
		t.view = shared.Clone()
		return nil
	}
	view, err := r.exec.graph.schema.coerce(t.spec.Input)
	if err != nil {
		return fmt.Errorf("task input: %w", err)
	}
	if view == nil {
		view = State{}
	}
	t.view = view
	return nil
}

func (r *run) runTask(ctx context.Context, step int, t *task) {
	node, ok := r.exec.graph.Node(t.spec.Node)
	if !ok {
		t.err = fmt.Errorf("node %s not found", t.spec.Node)
		return
	}
	ctx = withTaskScope(ctx, &taskScope{
		exec:     r.exec,
		threadID: r.threadID,
		taskID:   t.spec.ID,
		nodeID:   node.ID,
		step:     step,
		resumes:  t.resumes,
	})
	ctx, span := trace.Tracer.Start(ctx, itelemetry.NewExecuteNodeSpanName(node.ID))
	defer span.End()
	itelemetry.TraceNodeTask(span, r.threadID, node.ID, t.spec.ID, step)
	r.exec.instruments.nodeInvoked(ctx, node.ID)

	callbacks := mergeCallbacks(r.exec.callbacks, node.callbacks)
	cbCtx := &NodeCallbackContext{
		NodeID:   node.ID,
		NodeName: node.Name,
		TaskID:   t.spec.ID,
		ThreadID: r.threadID,
		Step:     step,
		Started:  time.Now(),
		Resumed:  t.resumed,
	}
	input := t.view.Clone()
	result, err := callbacks.invoke(ctx, cbCtx, node.Function, input)
	if ie, ok := GetInterruptError(err); ok {
		t.interrupt = ie
		return
	}
	if err != nil {
		callbacks.failed(ctx, cbCtx, input, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		t.err = err
		return
	}
	t.updates, t.sends, t.hasGoto, t.err = parseResult(result)
}

// parseResult splits a node result into partial updates and routing.
func parseResult(result any) ([]State, []Send, bool, error) {
	switch v := result.(type) {
	case nil:
		return nil, nil, false, nil
	case State:
		return []State{v}, nil, false, nil
	case map[string]any:
		return []State{State(v)}, nil, false, nil
	case StateUpdates:
		return v, nil, false, nil
	case []Send:
		return nil, v, true, nil
	case *Command:
		if v == nil {
			return nil, nil, false, nil
		}
		return commandParts(*v)
	case Command:
		return commandParts(v)
	default:
		return nil, nil, false, fmt.Errorf("unsupported node result type %T", result)
	}
}

func commandParts(cmd Command) ([]State, []Send, bool, error) {
	var updates []State
	if cmd.Update != nil {
		updates = []State{cmd.Update}
	}
	return updates, cmd.GoTo, len(cmd.GoTo) > 0, nil
}

// merge applies the updates of the finished tasks in plan order. Every key
// is checked before anything is applied.
func (r *run) merge(plan *stepPlan) ([]NodeUpdate, []PendingWrite, error) {
	for _, t := range plan.tasks {
		if t.interrupt != nil || t.waiting != nil {
			continue
		}
		for _, u := range t.updates {
			if err := r.store.Check(u); err != nil {
				var unknown *channel.UnknownError
				if errors.As(err, &unknown) {
					return nil, nil, &UnknownChannelError{Channel: unknown.Name, NodeID: t.spec.Node}
				}
				return nil, nil, err
			}
		}
	}
	var (
		updates []NodeUpdate
		writes  []PendingWrite
		seq     int64
	)
	for _, t := range plan.tasks {
		if t.interrupt != nil || t.waiting != nil {
			continue
		}
		for _, u := range t.updates {
			for _, k := range sortedKeys(u) {
				if err := r.store.Apply(k, u[k]); err != nil {
					return nil, nil, fmt.Errorf("node %s: apply %q: %w", t.spec.Node, k, err)
				}
				writes = append(writes, PendingWrite{
					TaskID:   t.spec.ID,
					NodeID:   t.spec.Node,
					Channel:  k,
					Value:    channel.DeepCopy(u[k]),
					Sequence: seq,
				})
				seq++
			}
			updates = append(updates, NodeUpdate{TaskID: t.spec.ID, NodeID: t.spec.Node, Update: u.Clone()})
		}
	}
	return updates, writes, nil
}

// route plans the tasks of step+1 from the finished tasks of step. Plain
// sends to the same node collapse into one task; sends carrying their own
// input never do.
func (r *run) route(ctx context.Context, step int, records []TaskRecord, state State) ([]TaskSpec, error) {
	var (
		next    []TaskSpec
		planned = make(map[string]bool)
	)
	add := func(s Send) {
		if s.Node == End {
			return
		}
		if s.Input == nil {
			if planned[s.Node] {
				return
			}
			planned[s.Node] = true
		}
		spec := TaskSpec{
			ID:   fmt.Sprintf("%s:%d:%d", s.Node, step+1, len(next)),
			Node: s.Node,
		}
		if s.Input != nil {
			spec.Input = s.Input.Clone()
			spec.Isolated = true
		}
		next = append(next, spec)
	}
	for _, rec := range records {
		sends, err := r.targets(ctx, rec, state)
		if err != nil {
			return nil, err
		}
		for _, s := range sends {
			add(s)
		}
		for _, join := range r.exec.graph.JoinEdges() {
			if !slices.Contains(join.From, rec.Node) {
				continue
			}
			key := join.key()
			if !slices.Contains(r.barriers[key], rec.Node) {
				r.barriers[key] = append(r.barriers[key], rec.Node)
			}
			if len(r.barriers[key]) == len(join.From) {
				delete(r.barriers, key)
				add(Send{Node: join.To})
			}
		}
	}
	return next, nil
}

func (r *run) targets(ctx context.Context, rec TaskRecord, state State) ([]Send, error) {
	g := r.exec.graph
	if rec.HasGoto {
		for _, s := range rec.Goto {
			if s.Node != End && !g.hasTarget(s.Node) {
				return nil, &RouterAmbiguityError{From: rec.Node, Destination: s.Node}
			}
		}
		return rec.Goto, nil
	}
	var sends []Send
	for _, edge := range g.Edges(rec.Node) {
		sends = append(sends, Send{Node: edge.To})
	}
	for _, cond := range g.ConditionalEdges(rec.Node) {
		routed, err := cond.route(ctx, state.Clone())
		if err != nil {
			return nil, fmt.Errorf("route from %s: %w", rec.Node, err)
		}
		for _, s := range routed {
			dest := s.Node
			if cond.PathMap != nil {
				mapped, ok := cond.PathMap[dest]
				if !ok {
					return nil, &RouterAmbiguityError{From: rec.Node, Destination: dest}
				}
				dest = mapped
			}
			if dest != End && !g.hasTarget(dest) {
				return nil, &RouterAmbiguityError{From: rec.Node, Destination: dest}
			}
			sends = append(sends, Send{Node: dest, Input: s.Input})
		}
	}
	return sends, nil
}
