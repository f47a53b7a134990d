//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"trpc.group/trpc-go/trpc-graph-go/graph"
	"trpc.group/trpc-go/trpc-graph-go/internal/workflows"
)

func newWorkflowsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "workflows",
		Short: "List the bundled workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, name := range workflows.Names() {
				wf, _ := workflows.Lookup(name)
				fmt.Fprintf(w, "%s\t%s\n", wf.Name, wf.Description)
			}
			return w.Flush()
		},
	}
}

func newRunCmd(a *app) *cobra.Command {
	var (
		threadID    string
		interactive bool
		jsonAnswers bool
	)
	cmd := &cobra.Command{
		Use:   "run <workflow> [key=value...]",
		Short: "Start a new thread of a workflow",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := workflowInput(args[0], args[1:])
			if err != nil {
				return err
			}
			if threadID == "" {
				threadID = uuid.NewString()
			}
			out := cmd.OutOrStdout()
			return a.withExecutor(cmd, args[0], func(exec *graph.Executor) error {
				fmt.Fprintf(out, "thread %s\n", threadID)
				events, err := exec.Start(cmd.Context(), threadID, input)
				if err != nil {
					return err
				}
				last, err := printEvents(out, events)
				if err != nil || !interactive {
					return err
				}
				answers := bufio.NewScanner(cmd.InOrStdin())
				for last.Type == graph.EventTypeInterrupted {
					resume, err := promptResume(out, answers, last.Interrupts, jsonAnswers)
					if err != nil {
						return err
					}
					events, err := exec.Resume(cmd.Context(), threadID, resume)
					if err != nil {
						return err
					}
					if last, err = printEvents(out, events); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&threadID, "thread", "t", "", "thread ID, generated when empty")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "answer interrupts from stdin")
	cmd.Flags().BoolVar(&jsonAnswers, "json", false, "decode answers as JSON")
	return cmd
}

func newResumeCmd(a *app) *cobra.Command {
	var (
		taskAnswers []string
		jsonAnswers bool
	)
	cmd := &cobra.Command{
		Use:   "resume <workflow> <thread> [answer]",
		Short: "Answer the pending interrupts of a thread",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			resume := &graph.ResumeCommand{}
			if len(args) == 3 {
				value, err := decodeAnswer(args[2], jsonAnswers)
				if err != nil {
					return err
				}
				resume.Value = value
			}
			perTask, err := parseKeyValues(taskAnswers)
			if err != nil {
				return err
			}
			for taskID, raw := range perTask {
				value, err := decodeAnswer(raw, jsonAnswers)
				if err != nil {
					return err
				}
				resume.AddResumeValue(taskID, value)
			}
			if resume.Value == nil && len(resume.TaskValues) == 0 {
				return errors.New("an answer or --task is required")
			}
			return a.withExecutor(cmd, args[0], func(exec *graph.Executor) error {
				events, err := exec.Resume(cmd.Context(), args[1], resume)
				if err != nil {
					return err
				}
				_, err = printEvents(cmd.OutOrStdout(), events)
				return err
			})
		},
	}
	cmd.Flags().StringArrayVar(&taskAnswers, "task", nil, "per-task answer as taskID=answer")
	cmd.Flags().BoolVar(&jsonAnswers, "json", false, "decode answers as JSON")
	return cmd
}

func newContinueCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "continue <workflow> <thread> [key=value...]",
		Short: "Run a finished thread again with new input",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := workflowInput(args[0], args[2:])
			if err != nil {
				return err
			}
			return a.withExecutor(cmd, args[0], func(exec *graph.Executor) error {
				events, err := exec.Continue(cmd.Context(), args[1], input)
				if err != nil {
					return err
				}
				_, err = printEvents(cmd.OutOrStdout(), events)
				return err
			})
		},
	}
}

func newStateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "state <workflow> <thread>",
		Short: "Print the latest state of a thread",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withExecutor(cmd, args[0], func(exec *graph.Executor) error {
				snap, err := exec.GetState(cmd.Context(), args[1])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "step %d %s next=%s\n", snap.Step, snap.Status, strings.Join(snap.Next, ","))
				printInterrupts(out, snap.Interrupts)
				return printJSON(out, snap.Values)
			})
		},
	}
}

func newHistoryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "history <workflow> <thread>",
		Short: "List the checkpoints of a thread",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withExecutor(cmd, args[0], func(exec *graph.Executor) error {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "STEP\tSOURCE\tSTATUS\tNEXT\tID")
				n := 0
				for ckpt, err := range exec.History(cmd.Context(), args[1]) {
					if err != nil {
						return err
					}
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
						ckpt.Step, ckpt.Source, ckpt.Status, strings.Join(ckpt.NextNodes(), ","), ckpt.ID)
					n++
				}
				if n == 0 {
					return fmt.Errorf("thread %s has no checkpoints", args[1])
				}
				return w.Flush()
			})
		},
	}
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <workflow> <thread>",
		Short: "Delete every checkpoint of a thread",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withExecutor(cmd, args[0], func(exec *graph.Executor) error {
				if err := exec.DeleteThread(cmd.Context(), args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[1])
				return nil
			})
		},
	}
}

func newDotCmd(a *app) *cobra.Command {
	var (
		rankDir string
		output  string
		format  string
	)
	cmd := &cobra.Command{
		Use:   "dot <workflow>",
		Short: "Print the workflow graph in Graphviz DOT",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := workflows.Build(args[0], a.deps)
			if err != nil {
				return err
			}
			opts := []graph.VizOption{graph.WithRankDir(rankDir), graph.WithGraphLabel(args[0])}
			if output != "" {
				return g.RenderImage(cmd.Context(), format, output, opts...)
			}
			return g.WriteDOT(cmd.OutOrStdout(), opts...)
		},
	}
	cmd.Flags().StringVar(&rankDir, "rank-dir", graph.RankDirLR, "graph direction: TB or LR")
	cmd.Flags().StringVarP(&output, "output", "o", "", "render an image with the dot binary instead")
	cmd.Flags().StringVar(&format, "format", "png", "image format for --output")
	return cmd
}

func workflowInput(name string, args []string) (graph.State, error) {
	wf, ok := workflows.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown workflow %q", name)
	}
	kv, err := parseKeyValues(args)
	if err != nil {
		return nil, err
	}
	if wf.Input == nil {
		return graph.State{}, nil
	}
	return wf.Input(kv)
}

// printEvents writes every event of a run and returns the terminal one.
func printEvents(w io.Writer, events <-chan *graph.StepEvent) (*graph.StepEvent, error) {
	var last *graph.StepEvent
	for ev := range events {
		last = ev
		switch ev.Type {
		case graph.EventTypeStep:
			fmt.Fprintf(w, "step %d next=%s\n", ev.Step, strings.Join(ev.Next, ","))
			for _, u := range ev.Updates {
				raw, _ := json.Marshal(u.Update)
				fmt.Fprintf(w, "  %s: %s\n", u.TaskID, raw)
			}
		case graph.EventTypeInterrupted:
			fmt.Fprintf(w, "interrupted at step %d\n", ev.Step)
			printInterrupts(w, ev.Interrupts)
		case graph.EventTypeDone:
			fmt.Fprintf(w, "done at step %d\n", ev.Step)
			if err := printJSON(w, ev.State); err != nil {
				return ev, err
			}
		case graph.EventTypeFailed:
			return ev, ev.Err
		}
	}
	if last == nil {
		return nil, errors.New("run produced no events")
	}
	return last, nil
}

func printInterrupts(w io.Writer, interrupts []graph.InterruptState) {
	for _, intr := range interrupts {
		raw, _ := json.Marshal(intr.Value)
		fmt.Fprintf(w, "  [%s] %s: %s\n", intr.TaskID, intr.PathString(), raw)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// promptResume reads one answer per pending interrupt.
func promptResume(
	w io.Writer,
	answers *bufio.Scanner,
	interrupts []graph.InterruptState,
	asJSON bool,
) (*graph.ResumeCommand, error) {
	resume := &graph.ResumeCommand{}
	for _, intr := range interrupts {
		fmt.Fprintf(w, "%s> ", intr.PathString())
		if !answers.Scan() {
			if err := answers.Err(); err != nil {
				return nil, err
			}
			return nil, io.ErrUnexpectedEOF
		}
		value, err := decodeAnswer(strings.TrimSpace(answers.Text()), asJSON)
		if err != nil {
			return nil, err
		}
		resume.AddResumeValue(intr.TaskID, value)
	}
	return resume, nil
}

func decodeAnswer(raw string, asJSON bool) (any, error) {
	if !asJSON {
		return raw, nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("answer %q is not JSON: %w", raw, err)
	}
	return v, nil
}

