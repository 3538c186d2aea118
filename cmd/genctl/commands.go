package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/workspace/genrunner/internal/generation"
)

func newStartCmd(a *app) *cobra.Command {
	var (
		appID         string
		mode          string
		maxIterations int
		resume        string
		watch         bool
	)
	cmd := &cobra.Command{
		Use:   "start <prompt>",
		Short: "Start a generation",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := a.api()
			if err != nil {
				return err
			}
			g, err := api.Start(cmd.Context(), startRequest(strings.Join(args, " "), appID, mode, maxIterations, resume))
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Started generation %d (%s), state %s\n", g.ID, g.JobID(), g.State)
			if !watch {
				return nil
			}
			return a.watch(cmd.Context(), []string{g.JobID()})
		},
	}
	cmd.Flags().StringVar(&appID, "app", "", "Application id to build into")
	cmd.Flags().StringVar(&mode, "mode", "autonomous", "Interaction mode: autonomous, confirm_first or interactive")
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "Iteration budget (server default when 0)")
	cmd.Flags().StringVar(&resume, "resume", "", "Agent session id to resume")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Follow the generation after starting it")
	return cmd
}

func newStatusCmd(a *app) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "status [id]",
		Short: "Show one generation or list recent ones",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := a.api()
			if err != nil {
				return err
			}

			var gens []*generation.Generation
			if len(args) == 1 {
				id, err := parseGenerationArg(args[0])
				if err != nil {
					return err
				}
				g, err := api.Get(cmd.Context(), id)
				if err != nil {
					return err
				}
				gens = []*generation.Generation{g}
			} else {
				if gens, err = api.List(cmd.Context(), limit); err != nil {
					return err
				}
			}

			if asJSON {
				enc := json.NewEncoder(a.out)
				enc.SetIndent("", "  ")
				return enc.Encode(gens)
			}

			info, err := api.Concurrency(cmd.Context())
			if err != nil {
				return err
			}
			writeStatusTable(a, gens, time.Now())
			fmt.Fprintf(a.out, "\n%d/%d active, can start new: %t (credentials: %s", info.ActiveCount, info.MaxConcurrent, info.CanStartNew, info.PoolInfo.Mode)
			if info.PoolInfo.Total > 0 {
				fmt.Fprintf(a.out, ", %d/%d available", info.PoolInfo.Available, info.PoolInfo.Total)
			}
			fmt.Fprintln(a.out, ")")
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of generations to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func writeStatusTable(a *app, gens []*generation.Generation, now time.Time) {
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tITER\tCOST\tAGE\tDETAIL")
	for _, g := range gens {
		fmt.Fprintf(tw, "%d\t%s\t%d/%d\t$%.2f\t%s\t%s\n",
			g.ID, g.State, g.Iteration, g.MaxIterations, g.CostUSD,
			now.Sub(g.CreatedAt).Round(time.Second), statusDetail(g))
	}
	_ = tw.Flush()
}

func statusDetail(g *generation.Generation) string {
	switch {
	case g.FailureReason != "":
		return g.FailureReason
	case g.Stop != nil && g.Stop.CommitHash != "":
		return fmt.Sprintf("stopped (%s), commit %s pushed=%t", g.Stop.Outcome, g.Stop.CommitHash, g.Stop.Pushed)
	case g.Stop != nil:
		return fmt.Sprintf("stopped (%s)", g.Stop.Outcome)
	case g.Pending != nil:
		return fmt.Sprintf("waiting on %s %s", g.Pending.Kind, g.Pending.ID)
	case g.Progress != nil:
		return fmt.Sprintf("%s: %s (%.0f%%)", g.Progress.Stage, g.Progress.Step, g.Progress.Percentage)
	}
	return ""
}

func newCancelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Stop a generation, saving its work when the agent can",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseGenerationArg(args[0])
			if err != nil {
				return err
			}
			api, err := a.api()
			if err != nil {
				return err
			}
			g, err := api.Cancel(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Generation %d is %s\n", g.ID, g.State)
			return nil
		},
	}
}

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [id...]",
		Short: "Follow generations live and answer their prompts",
		Long:  "watch opens one observer connection and follows every named generation, or every generation of the caller when none are named. Decision prompts and credential requests are answered from the terminal.",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs := make([]string, 0, len(args))
			for _, arg := range args {
				id, err := parseGenerationArg(arg)
				if err != nil {
					return err
				}
				jobs = append(jobs, fmt.Sprintf("gen-%d", id))
			}
			return a.watch(cmd.Context(), jobs)
		},
	}
}
