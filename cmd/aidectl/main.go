package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/nidhogg/aide/internal/agent"
	"github.com/nidhogg/aide/internal/orchestrator"
	"github.com/nidhogg/aide/internal/proactive"
	"github.com/nidhogg/aide/internal/task"
)

var (
	serverURL string
	timeout   time.Duration
	rawJSON   bool
)

var (
	okColor   = color.New(color.FgGreen)
	failColor = color.New(color.FgRed)
	dimColor  = color.New(color.Faint)
	headColor = color.New(color.FgCyan, color.Bold)
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		failColor.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "aidectl",
		Short:         "Command-line client for the aide assistant core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	def := os.Getenv("AIDE_URL")
	if def == "" {
		def = "http://localhost:3210"
	}
	root.PersistentFlags().StringVar(&serverURL, "server", def, "aide server URL (env AIDE_URL)")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 15*time.Minute, "request timeout")
	root.PersistentFlags().BoolVar(&rawJSON, "json", false, "print raw JSON responses")

	root.AddCommand(healthCmd(), askCmd(), workflowCmd(), agentsCmd(), capabilitiesCmd(), broadcastCmd(),
		scheduleCmd(), thinkCmd(), memoryCmd(), sessionCmd())
	return root
}

func api() *client { return newClient(serverURL, timeout) }

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	enc.Encode(v)
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out map[string]any
			if err := api().get(cmd.Context(), "/api/health", nil, &out); err != nil {
				return err
			}
			if rawJSON {
				printJSON(cmd.OutOrStdout(), out)
				return nil
			}
			okColor.Fprintf(cmd.OutOrStdout(), "● %v", out["status"])
			fmt.Fprintf(cmd.OutOrStdout(), "  agents=%v running=%v\n", out["agents"], out["running"])
			return nil
		},
	}
}

// parseParams turns k=v pairs into a param map. Numeric values stay numbers.
func parseParams(pairs []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("bad param %q, want key=value", p)
		}
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			params[k] = n
			continue
		}
		params[k] = v
	}
	return params, nil
}

func printResponse(w io.Writer, r *orchestrator.Response) {
	if rawJSON {
		printJSON(w, r)
		return
	}
	c := okColor
	if !r.OK() {
		c = failColor
	}
	c.Fprintf(w, "[%s]", r.Status)
	if r.Agent != "" {
		dimColor.Fprintf(w, " %s", r.Agent)
	}
	dimColor.Fprintf(w, " (%s)\n", r.Duration.Round(time.Millisecond))
	fmt.Fprintln(w, r.Message)
}

func askCmd() *cobra.Command {
	var (
		params   []string
		priority string
		force    string
	)
	cmd := &cobra.Command{
		Use:   "ask <task_type> [content...]",
		Short: "Submit one intent to the master",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parseParams(params)
			if err != nil {
				return err
			}
			if force != "" {
				p[orchestrator.ForceAgentParam] = force
			}
			in := orchestrator.Intent{
				TaskType: args[0],
				Content:  strings.Join(args[1:], " "),
				Params:   p,
				Priority: task.ParsePriority(priority),
			}
			var resp orchestrator.Response
			if err := api().post(cmd.Context(), "/api/intents", in, &resp); err != nil {
				return err
			}
			printResponse(cmd.OutOrStdout(), &resp)
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "task param key=value (repeatable)")
	cmd.Flags().StringVar(&priority, "priority", "medium", "low, medium or high")
	cmd.Flags().StringVar(&force, "agent", "", "force a target agent")
	return cmd
}

func workflowCmd() *cobra.Command {
	var batch bool
	cmd := &cobra.Command{
		Use:   "workflow <file>",
		Short: "Run a JSON list of intents as a workflow",
		Long: "Run a JSON array of intents in order. With --batch the steps run in\n" +
			"parallel and independently instead.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			var steps []orchestrator.Intent
			if err := json.Unmarshal(data, &steps); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			path := "/api/workflows"
			if batch {
				path = "/api/batches"
			}
			var out orchestrator.Outcome
			if err := api().post(cmd.Context(), path, map[string]any{"steps": steps}, &out); err != nil {
				return err
			}
			if rawJSON {
				printJSON(cmd.OutOrStdout(), out)
				return nil
			}
			for _, r := range out.Steps {
				printResponse(cmd.OutOrStdout(), r)
			}
			headColor.Fprintln(cmd.OutOrStdout(), out.Summary)
			return nil
		},
	}
	cmd.Flags().BoolVar(&batch, "batch", false, "run steps in parallel")
	return cmd
}

func agentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List resident agents",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var infos []agent.Info
			if err := api().get(cmd.Context(), "/api/agents", nil, &infos); err != nil {
				return err
			}
			if rawJSON {
				printJSON(cmd.OutOrStdout(), infos)
				return nil
			}
			for _, a := range infos {
				c := okColor
				if a.Status == agent.StatusError || a.Status == agent.StatusOffline {
					c = failColor
				}
				headColor.Fprint(cmd.OutOrStdout(), a.Name)
				c.Fprintf(cmd.OutOrStdout(), " %s", a.Status)
				dimColor.Fprintf(cmd.OutOrStdout(), " pending=%d capabilities=%d\n", a.Pending, len(a.Capabilities))
			}
			return nil
		},
	}
}

func capabilitiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "capabilities",
		Short: "List every known capability",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var caps []agent.Capability
			if err := api().get(cmd.Context(), "/api/capabilities", nil, &caps); err != nil {
				return err
			}
			if rawJSON {
				printJSON(cmd.OutOrStdout(), caps)
				return nil
			}
			for _, c := range caps {
				headColor.Fprintf(cmd.OutOrStdout(), "%-16s", c.Name)
				dimColor.Fprintf(cmd.OutOrStdout(), " [%s]", c.Category)
				fmt.Fprintf(cmd.OutOrStdout(), " %s\n", c.Description)
			}
			return nil
		},
	}
}

func broadcastCmd() *cobra.Command {
	var msgType string
	cmd := &cobra.Command{
		Use:   "broadcast <text...>",
		Short: "Broadcast a message to every agent",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"type": msgType, "payload": map[string]any{"text": strings.Join(args, " ")}}
			if err := api().post(cmd.Context(), "/api/broadcast", body, nil); err != nil {
				return err
			}
			okColor.Fprintln(cmd.OutOrStdout(), "broadcast sent")
			return nil
		},
	}
	cmd.Flags().StringVar(&msgType, "type", "notification", "bus message type")
	return cmd
}

func scheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "schedule",
		Aliases: []string{"schedules"},
		Short:   "Inspect and control scheduled tasks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out struct {
				Tasks []proactive.ScheduledTask `json:"tasks"`
				Stats proactive.SchedulerStats  `json:"stats"`
			}
			if err := api().get(cmd.Context(), "/api/schedules", nil, &out); err != nil {
				return err
			}
			if rawJSON {
				printJSON(cmd.OutOrStdout(), out)
				return nil
			}
			w := cmd.OutOrStdout()
			for _, st := range out.Tasks {
				c := okColor
				if !st.Enabled {
					c = dimColor
				}
				c.Fprintf(w, "%-20s", st.ID)
				fmt.Fprintf(w, " %-8s %-12s %s", st.Kind, st.Spec, st.Name)
				if st.NextRun != nil {
					dimColor.Fprintf(w, "  next %s", st.NextRun.Format("2006-01-02 15:04"))
				}
				fmt.Fprintln(w)
			}
			dimColor.Fprintf(w, "total=%d enabled=%d runs=%d failures=%d\n",
				out.Stats.Total, out.Stats.Enabled, out.Stats.Runs, out.Stats.Failures)
			return nil
		},
	}
	for _, action := range []string{"run", "enable", "disable"} {
		cmd.AddCommand(&cobra.Command{
			Use:   action + " <id>",
			Short: strings.ToUpper(action[:1]) + action[1:] + " a scheduled task",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var out json.RawMessage
				path := "/api/schedules/" + url.PathEscape(args[0]) + "/" + action
				if err := api().post(cmd.Context(), path, nil, &out); err != nil {
					return err
				}
				if rawJSON {
					fmt.Fprintln(cmd.OutOrStdout(), string(out))
					return nil
				}
				okColor.Fprintf(cmd.OutOrStdout(), "%s: %s ok\n", args[0], action)
				return nil
			},
		})
	}
	return cmd
}

func thinkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "think",
		Short: "Run one thinking cycle now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out struct {
				Generated int         `json:"generated"`
				Pending   []task.Info `json:"pending"`
			}
			if err := api().post(cmd.Context(), "/api/proactive/think", nil, &out); err != nil {
				return err
			}
			if rawJSON {
				printJSON(cmd.OutOrStdout(), out)
				return nil
			}
			okColor.Fprintf(cmd.OutOrStdout(), "generated %d task(s)\n", out.Generated)
			printTasks(cmd.OutOrStdout(), out.Pending)
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "tasks",
		Short: "List queued proactive tasks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var infos []task.Info
			if err := api().get(cmd.Context(), "/api/proactive/tasks", nil, &infos); err != nil {
				return err
			}
			if rawJSON {
				printJSON(cmd.OutOrStdout(), infos)
				return nil
			}
			printTasks(cmd.OutOrStdout(), infos)
			return nil
		},
	})
	var insightUser string
	var confidence float64
	insight := &cobra.Command{
		Use:   "insight <type> <content...>",
		Short: "Record a user insight",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := proactive.Insight{UserID: insightUser, Type: args[0], Content: strings.Join(args[1:], " "), Confidence: confidence}
			if err := api().post(cmd.Context(), "/api/proactive/insights", in, nil); err != nil {
				return err
			}
			okColor.Fprintln(cmd.OutOrStdout(), "insight recorded")
			return nil
		},
	}
	insight.Flags().StringVar(&insightUser, "user", "", "user id")
	insight.Flags().Float64Var(&confidence, "confidence", 0.5, "confidence 0..1")
	cmd.AddCommand(insight)
	return cmd
}

func printTasks(w io.Writer, infos []task.Info) {
	for _, t := range infos {
		headColor.Fprintf(w, "%-14s", t.Type)
		dimColor.Fprintf(w, " %-6s", t.Priority)
		fmt.Fprintf(w, " %s\n", t.Content)
	}
}

func memoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Show the user memory document",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var md []byte
			if err := api().get(cmd.Context(), "/api/memory", nil, &md); err != nil {
				return err
			}
			cmd.OutOrStdout().Write(md)
			return nil
		},
	}

	search := &cobra.Command{
		Use:   "search <query...>",
		Short: "Search memory and history",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]json.RawMessage
			q := url.Values{"q": {strings.Join(args, " ")}}
			if err := api().get(cmd.Context(), "/api/memory/search", q, &out); err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), out)
			return nil
		},
	}

	export := &cobra.Command{
		Use:   "export [file]",
		Short: "Export memory as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			if err := api().get(cmd.Context(), "/api/memory/export", nil, &data); err != nil {
				return err
			}
			if len(args) == 0 {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.WriteFile(args[0], data, 0o600); err != nil {
				return fmt.Errorf("write %s: %w", args[0], err)
			}
			okColor.Fprintf(cmd.OutOrStdout(), "exported to %s\n", args[0])
			return nil
		},
	}

	imp := &cobra.Command{
		Use:   "import <file>",
		Short: "Import memory from an export file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			var body json.RawMessage = data
			var out map[string]any
			if err := api().post(cmd.Context(), "/api/memory/import", body, &out); err != nil {
				return err
			}
			okColor.Fprintln(cmd.OutOrStdout(), "imported")
			printJSON(cmd.OutOrStdout(), out["stats"])
			return nil
		},
	}

	learn := &cobra.Command{
		Use:   "learn <text...>",
		Short: "Learn profile facts from a user message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := api().post(cmd.Context(), "/api/memory/learn", map[string]string{"content": strings.Join(args, " ")}, &out); err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), out)
			return nil
		},
	}

	cmd.AddCommand(search, export, imp, learn)
	return cmd
}

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Read and write conversation sessions",
	}

	var role string
	send := &cobra.Command{
		Use:   "send <id> <content...>",
		Short: "Append a message to a session",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"role": role, "content": strings.Join(args[1:], " ")}
			var out json.RawMessage
			if err := api().post(cmd.Context(), "/api/sessions/"+url.PathEscape(args[0])+"/messages", body, &out); err != nil {
				return err
			}
			if rawJSON {
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return nil
			}
			okColor.Fprintln(cmd.OutOrStdout(), "sent")
			return nil
		},
	}
	send.Flags().StringVar(&role, "role", "user", "user, assistant or tool")

	var last int
	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a session transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var q url.Values
			if last > 0 {
				q = url.Values{"last": {strconv.Itoa(last)}}
			}
			var msgs []struct {
				Role      string    `json:"role"`
				Content   string    `json:"content"`
				Timestamp time.Time `json:"timestamp"`
			}
			if err := api().get(cmd.Context(), "/api/sessions/"+url.PathEscape(args[0])+"/messages", q, &msgs); err != nil {
				return err
			}
			if rawJSON {
				printJSON(cmd.OutOrStdout(), msgs)
				return nil
			}
			for _, m := range msgs {
				dimColor.Fprintf(cmd.OutOrStdout(), "%s ", m.Timestamp.Format("15:04:05"))
				headColor.Fprintf(cmd.OutOrStdout(), "%-9s", m.Role)
				fmt.Fprintln(cmd.OutOrStdout(), m.Content)
			}
			return nil
		},
	}
	show.Flags().IntVar(&last, "last", 0, "only the last N messages")

	cmd.AddCommand(send, show)
	return cmd
}
