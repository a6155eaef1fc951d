package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/buildflow/buildflow/internal/bus"
	"github.com/buildflow/buildflow/internal/engine"
	"github.com/buildflow/buildflow/pkg/types"
)

// settleTimeout bounds how long an operator command waits for an in-process bus to drain
const settleTimeout = 30 * time.Second

// session is an engine opened for one operator command. With the memory bus
// the command runs the handlers itself; with a shared bus it only publishes.
type session struct {
	cfg   *types.EngineConfig
	comps *engine.Components
	eng   *engine.Engine
	local *bus.MemoryBus
}

func (c *CLI) openSession(ctx context.Context) (*session, error) {
	cfg, err := c.loadEngineConfig()
	if err != nil {
		return nil, err
	}
	comps, err := engine.NewDependencyFactory(cfg, c.logger).CreateDefaults()
	if err != nil {
		return nil, err
	}

	s := &session{
		cfg:   cfg,
		comps: comps,
		eng:   engine.New(comps.Deps, c.logger, engine.WithLockTimeout(cfg.Engine.LockTimeout.Std())),
	}
	if mb, ok := comps.Bus.(*bus.MemoryBus); ok {
		s.local = mb
		s.eng.Register(mb)
		if err := mb.Start(ctx); err != nil {
			_ = comps.Close()
			return nil, err
		}
	}
	return s, nil
}

// settle waits until events handled in-process have been processed
func (s *session) settle(ctx context.Context) error {
	if s.local == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()
	return s.local.Idle(ctx)
}

func (s *session) close() {
	_ = s.comps.Close()
}

// withSession runs fn on an open session and waits for the events it produced
func (c *CLI) withSession(ctx context.Context, fn func(*session) error) error {
	s, err := c.openSession(ctx)
	if err != nil {
		return err
	}
	defer s.close()
	if err := fn(s); err != nil {
		return err
	}
	return s.settle(ctx)
}

func (c *CLI) newSeedCmd() *cobra.Command {
	var buildID string
	cmd := &cobra.Command{
		Use:   "seed <fixture.yaml>",
		Short: "Load a build tree fixture into the configured store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fixture, err := LoadFixture(args[0])
			if err != nil {
				return err
			}
			tree, err := fixture.Tree(buildID)
			if err != nil {
				return err
			}
			return c.withSession(cmd.Context(), func(s *session) error {
				if err := s.comps.Deps.Store.CreateBuild(cmd.Context(), tree); err != nil {
					return err
				}
				c.console.Success(fmt.Sprintf("Seeded build %s (%d stages, %d containers, %d tasks)",
					tree.Build.BuildID, len(tree.Stages), len(tree.Containers), len(tree.Tasks)))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&buildID, "build-id", "", "override the fixture's build id")
	return cmd
}

func (c *CLI) newPauseIntentCmd(use, short string, action types.ActionType) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   use + " <build> <stage> <container> <task>",
		Short: short,
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			event := types.TaskPauseEvent{
				BuildID:     args[0],
				StageID:     args[1],
				ContainerID: args[2],
				TaskID:      args[3],
				UserID:      user,
				Action:      action,
			}
			return c.withSession(cmd.Context(), func(s *session) error {
				if err := s.comps.Bus.Dispatch(cmd.Context(), event); err != nil {
					return err
				}
				c.console.Info(fmt.Sprintf("Sent %s for task %s of build %s", action, event.TaskID, event.BuildID))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "acting user")
	return cmd
}

func (c *CLI) newContinueCmd() *cobra.Command {
	return c.newPauseIntentCmd("continue", "Continue a paused task", types.ActionRefresh)
}

func (c *CLI) newCancelCmd() *cobra.Command {
	return c.newPauseIntentCmd("cancel", "Cancel a paused task and end its container", types.ActionEnd)
}

func (c *CLI) newTerminateCmd() *cobra.Command {
	var user, source string
	cmd := &cobra.Command{
		Use:   "terminate <build>",
		Short: "Cancel a whole build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			event := types.BuildCancelEvent{BuildID: args[0], UserID: user, Source: source}
			return c.withSession(cmd.Context(), func(s *session) error {
				if build, err := s.comps.Deps.Store.GetBuild(cmd.Context(), event.BuildID); err == nil {
					event.ProjectID = build.ProjectID
					event.PipelineID = build.PipelineID
				}
				if err := s.comps.Bus.Dispatch(cmd.Context(), event); err != nil {
					return err
				}
				c.console.Info(fmt.Sprintf("Sent cancel for build %s", event.BuildID))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "acting user")
	cmd.Flags().StringVar(&source, "source", "cli", "cancel source recorded in the build log")
	return cmd
}

func (c *CLI) newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <build>",
		Short: "Print a build tree with statuses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			tree, err := s.comps.Deps.Store.GetBuildTree(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			c.printTree(tree)
			return nil
		},
	}
}

func (c *CLI) printTree(tree *types.BuildTree) {
	b := tree.Build
	fmt.Fprintf(c.output, "Build %s  %s  (project %s, pipeline %s)\n",
		b.BuildID, colorStatus(b.Status), b.ProjectID, b.PipelineID)
	if b.CancelUser != "" {
		fmt.Fprintf(c.output, "Canceled by %s\n", b.CancelUser)
	}

	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	defer w.Flush()

	for _, stage := range tree.Stages {
		fmt.Fprintf(w, "  %s\t%s\t\n", stage.StageID, colorStatus(stage.Status))
		for _, container := range tree.Containers {
			if container.StageID != stage.StageID {
				continue
			}
			fmt.Fprintf(w, "    %s\t%s\t\n", container.ContainerID, colorStatus(container.Status))
			for _, task := range tree.Tasks {
				if task.ContainerID != container.ContainerID {
					continue
				}
				fmt.Fprintf(w, "      %s %s\t%s\t%s\n", task.TaskID, task.TaskName, colorStatus(task.Status), task.TaskParams)
			}
		}
	}
}

func colorStatus(s types.BuildStatus) string {
	switch s {
	case types.BuildStatusSucceed:
		return color.GreenString(string(s))
	case types.BuildStatusFailed:
		return color.RedString(string(s))
	case types.BuildStatusCanceled:
		return color.YellowString(string(s))
	case types.BuildStatusRunning:
		return color.CyanString(string(s))
	case types.BuildStatusPause, types.BuildStatusReviewing:
		return color.MagentaString(string(s))
	default:
		return string(s)
	}
}

func (c *CLI) newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadEngineConfig()
			if err != nil {
				c.console.Error(fmt.Sprintf("Configuration is invalid: %v", err))
				return err
			}
			source := c.configPath()
			if source == "" {
				source = "defaults"
			}
			c.console.Success(fmt.Sprintf("Configuration is valid (%s): store=%s bus=%s lock=%s",
				source, cfg.Store.Driver, cfg.Bus.Driver, cfg.Lock.Driver))
			return nil
		},
	}
}

func (c *CLI) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(c.output, "buildflow v%s\n", c.config.Version)
			return nil
		},
	}
}

func parseResult(raw string) (types.BuildStatus, error) {
	status := types.BuildStatus(strings.ToUpper(raw))
	switch status {
	case types.BuildStatusSucceed, types.BuildStatusFailed, types.BuildStatusSkip:
		return status, nil
	}
	return "", fmt.Errorf("result must be SUCCEED, FAILED or SKIP, got %q", raw)
}

// newAgentCmd groups the calls a build agent makes while running a container
func (c *CLI) newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Act as a build agent: claim, report and pause tasks",
	}

	claim := &cobra.Command{
		Use:   "claim <build> <container>",
		Short: "Claim the next runnable task of a container",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withSession(cmd.Context(), func(s *session) error {
				task, err := s.eng.ClaimTask(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				if task == nil {
					fmt.Fprintln(c.output, "nothing to run")
					return nil
				}
				fmt.Fprintf(c.output, "%s\t%s\t%s\n", task.TaskID, task.TaskName, task.TaskParams)
				return nil
			})
		},
	}

	report := &cobra.Command{
		Use:   "report <build> <task> <SUCCEED|FAILED|SKIP>",
		Short: "Report the result of a claimed task",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := parseResult(args[2])
			if err != nil {
				return err
			}
			return c.withSession(cmd.Context(), func(s *session) error {
				return s.eng.ReportTaskResult(cmd.Context(), args[0], args[1], result)
			})
		},
	}

	var params string
	pause := &cobra.Command{
		Use:   "pause <build> <task>",
		Short: "Pause a running task until an operator continues or cancels it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withSession(cmd.Context(), func(s *session) error {
				return s.eng.PauseTask(cmd.Context(), args[0], args[1], params)
			})
		},
	}
	pause.Flags().StringVar(&params, "params", "", "JSON params applied when the task is continued")

	edit := &cobra.Command{
		Use:   "edit <build> <task> <json>",
		Short: "Replace the params a paused task continues with",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withSession(cmd.Context(), func(s *session) error {
				return s.eng.UpdatePauseValue(cmd.Context(), args[0], args[1], args[2])
			})
		},
	}

	cmd.AddCommand(claim, report, pause, edit)
	return cmd
}
