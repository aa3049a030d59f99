package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/datamachine/internal/api"
	"github.com/kalambet/datamachine/internal/config"
	"github.com/kalambet/datamachine/internal/flow"
	"github.com/kalambet/datamachine/internal/job"
	"github.com/kalambet/datamachine/internal/storage"
)

// --- run ---

var runCmd = &cobra.Command{
	Use:   "run <flow-id>",
	Short: "Queue a job for a flow",
	Long: `Queue a job for a flow.

Examples:
  datamachine run news-digest
  datamachine run news-digest --wait --interval 2s`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetBool("wait")
		interval, _ := cmd.Flags().GetDuration("interval")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		queued, err := triggerFlow(ctx, client, args[0])
		if err != nil {
			return err
		}
		printSuccess("Queued job %s", queued.JobID)
		if !wait {
			fmt.Println(queued.JobID)
			return nil
		}

		snap, err := waitForJob(ctx, client, queued.JobID, interval)
		if err != nil {
			return err
		}
		printSnapshot(snap)
		if snap.Status == storage.JobFailed {
			return fmt.Errorf("job %s failed", snap.JobID)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().Bool("wait", false, "block until the job finishes")
	runCmd.Flags().Duration("interval", 2*time.Second, "status poll interval with --wait")
}

func triggerFlow(ctx context.Context, client *apiClient, flowID string) (api.TriggerResponse, error) {
	resp, err := client.post(ctx, "/flows/"+url.PathEscape(flowID)+"/jobs", nil)
	if err != nil {
		return api.TriggerResponse{}, err
	}
	var out api.TriggerResponse
	if err := decodeJSON(resp, &out); err != nil {
		return api.TriggerResponse{}, err
	}
	return out, nil
}

func fetchJob(ctx context.Context, client *apiClient, id string) (job.Snapshot, error) {
	resp, err := client.get(ctx, "/jobs/"+url.PathEscape(id))
	if err != nil {
		return job.Snapshot{}, err
	}
	var snap job.Snapshot
	if err := decodeJSON(resp, &snap); err != nil {
		return job.Snapshot{}, err
	}
	return snap, nil
}

// waitForJob polls the job until it reaches a terminal status.
func waitForJob(ctx context.Context, client *apiClient, id string, interval time.Duration) (job.Snapshot, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	seen := 0
	for {
		snap, err := fetchJob(ctx, client, id)
		if err != nil {
			return job.Snapshot{}, err
		}
		for _, s := range snap.Steps[min(seen, len(snap.Steps)):] {
			printStep("step %d %s/%s", s.Step, s.StepType, s.Handler)
		}
		seen = len(snap.Steps)
		if snap.Terminal() {
			return snap, nil
		}

		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-ticker.C:
		}
	}
}

func printSnapshot(s job.Snapshot) {
	printStatus("Job", "%s", s.JobID)
	printStatus("Flow", "%s", s.FlowID)
	printStatus("Status", "%s", colorize(statusColor(s.Status), s.Status))
	printStatus("Steps", "%d", len(s.Steps))
	if s.Result == nil {
		return
	}
	printStatus("Packets", "%d", len(s.Result.Packets))
	if s.Result.Error != "" {
		printStatus("Error", "%s (%s at %s)", s.Result.Error, s.Result.ErrorKind, s.Result.FailedStep)
	}
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job's status, step trace and result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		snap, err := fetchJob(cmd.Context(), client, args[0])
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(os.Stdout, snap)
		}
		printSnapshot(snap)
		for _, s := range snap.Steps {
			mark := colorize(colorGreen, "ok")
			if !s.Success {
				mark = colorize(colorRed, "failed")
			}
			fmt.Printf("  %d  %-7s %-12s %s\n", s.Step, s.StepType, s.Handler, mark)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "print the full job snapshot as JSON")
}

// --- jobs ---

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List recent jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		q.Set("limit", strconv.Itoa(limit))
		if status != "" {
			q.Set("status", status)
		}
		resp, err := client.get(cmd.Context(), "/jobs?"+q.Encode())
		if err != nil {
			return err
		}
		var jobs []job.Snapshot
		if err := decodeJSON(resp, &jobs); err != nil {
			return err
		}

		if len(jobs) == 0 {
			fmt.Println("No jobs found.")
			return nil
		}
		for _, j := range jobs {
			fmt.Printf("%s  %-18s %-16s %s\n",
				colorize(colorCyan, j.JobID),
				colorize(statusColor(j.Status), j.Status),
				j.FlowID,
				j.CreatedAt.Local().Format(time.DateTime),
			)
		}
		return nil
	},
}

func init() {
	jobsCmd.Flags().String("status", "", "filter by status (pending, processing, complete, failed)")
	jobsCmd.Flags().Int("limit", 20, "maximum number of jobs to list")
}

// --- flows ---

var flowsCmd = &cobra.Command{
	Use:   "flows",
	Short: "List, validate or apply flow definitions",
}

var flowsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored flows",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/flows")
		if err != nil {
			return err
		}
		var flows []flow.Flow
		if err := decodeJSON(resp, &flows); err != nil {
			return err
		}

		if len(flows) == 0 {
			fmt.Println("No flows found.")
			return nil
		}
		for _, f := range flows {
			fmt.Printf("%s  %s\n", colorize(colorBold, f.ID), describeSteps(f))
		}
		return nil
	},
}

var flowsValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Check a flow file's structure without contacting the server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := flow.Load(args[0], nil)
		if err != nil {
			return err
		}
		printSuccess("Flow %s is valid: %s", f.ID, describeSteps(f))
		return nil
	},
}

var flowsApplyCmd = &cobra.Command{
	Use:   "apply <file>",
	Short: "Create or replace a flow from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := flow.Load(args[0], nil)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		saved, err := applyFlow(cmd.Context(), client, f)
		if err != nil {
			return err
		}
		printSuccess("Applied flow %s (%d steps)", saved.ID, len(saved.Steps))
		return nil
	},
}

func applyFlow(ctx context.Context, client *apiClient, f flow.Flow) (flow.Flow, error) {
	resp, err := client.put(ctx, "/flows/"+url.PathEscape(f.ID), f)
	if err != nil {
		return flow.Flow{}, err
	}
	var saved flow.Flow
	if err := decodeJSON(resp, &saved); err != nil {
		return flow.Flow{}, err
	}
	return saved, nil
}

// describeSteps renders the step chain, e.g. "input:rss -> ai:ollama".
func describeSteps(f flow.Flow) string {
	parts := make([]string, 0, len(f.Steps))
	for _, s := range f.Ordered() {
		parts = append(parts, string(s.Type)+":"+s.Handler)
	}
	return strings.Join(parts, " -> ")
}

func init() {
	flowsCmd.AddCommand(flowsListCmd)
	flowsCmd.AddCommand(flowsValidateCmd)
	flowsCmd.AddCommand(flowsApplyCmd)
}

// --- handlers ---

var handlersCmd = &cobra.Command{
	Use:   "handlers",
	Short: "List registered handlers and their tools",
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, _ := cmd.Flags().GetString("type")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/handlers"
		if typ != "" {
			path += "?type=" + url.QueryEscape(typ)
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var handlers []api.HandlerInfo
		if err := decodeJSON(resp, &handlers); err != nil {
			return err
		}

		for _, h := range handlers {
			fmt.Printf("%s  %-7s %s\n", colorize(colorBold, h.Slug), h.Type, h.Label)
			for _, t := range h.Tools {
				fmt.Printf("    %s  %s\n", colorize(colorCyan, t.Name), t.Description)
			}
		}
		return nil
	},
}

func init() {
	handlersCmd.Flags().String("type", "", "only list handlers of this step type (input, ai, update, output)")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, k.EnvVar))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		if k, ok := findKey(key); ok && k.Secret {
			value = "********"
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value so the default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config and secrets file locations",
	RunE: func(cmd *cobra.Command, args []string) error {
		printStatus("Config", "%s", config.FilePath())
		printStatus("Secrets", "%s", config.SecretsFilePath())
		return nil
	},
}

func findKey(key string) (config.KeyInfo, bool) {
	for _, k := range config.ShowAll(config.Config{}) {
		if k.Key == key {
			return k, true
		}
	}
	return config.KeyInfo{}, false
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
	configCmd.AddCommand(configPathCmd)
}
