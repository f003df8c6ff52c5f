package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/pulse/schedule"
	"github.com/teranos/loom/record"
	"github.com/teranos/loom/sym"
)

// ScheduleCmd groups schedule management commands
var ScheduleCmd = &cobra.Command{
	Use:     "schedule",
	Aliases: []string{"sched"},
	Short:   sym.Pulse + " Manage schedules",
	Long: sym.Pulse + ` schedule — Manage query-driven schedules

A schedule runs an ordered list of steps once or on a recurring interval.
Each step selects records of one model with a query and runs one action per
matched record.

Examples:
  loom schedule ls --agent triage-bot       # List an agent's schedules
  loom schedule apply -f triage.yaml        # Create schedules from a file
  loom schedule run <id>                    # Run a schedule now
  loom schedule executions <id> --limit 5   # Show recent executions`,
}

var (
	scheduleAgent string
	scheduleJSON  bool
	scheduleFile  string
	scheduleSave  bool
	scheduleLimit int
)

var scheduleLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List schedules",
	RunE:    withServices(runScheduleLs),
}

var scheduleShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a schedule with its steps",
	Args:  cobra.ExactArgs(1),
	RunE: withServices(func(ctx context.Context, svc *services, args []string) error {
		s, err := svc.manager.Get(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(s)
	}),
}

var scheduleApplyCmd = &cobra.Command{
	Use:   "apply -f <file>",
	Short: "Create schedules from a YAML file",
	Long: `Create schedules from a YAML file. The file may hold several documents
separated by ---. A step's modelId may be a model ID or a model name.

Example:
  agentId: triage-bot
  name: Analyze new tickets
  intervalHours: 24
  steps:
    - modelId: SupportTicket
      actionId: analyze
      query:
        logic: AND
        filters:
          - {field: status, operator: equals, value: New}`,
	RunE: withServices(runScheduleApply),
}

var scheduleRunCmd = &cobra.Command{
	Use:   "run <id>",
	Short: "Run a schedule now and wait for it to finish",
	Args:  cobra.ExactArgs(1),
	RunE: withServices(func(ctx context.Context, svc *services, args []string) error {
		exec, err := svc.ticker.RunNow(ctx, args[0])
		if err != nil {
			return err
		}
		return printExecution(exec)
	}),
}

var scheduleToggleCmd = &cobra.Command{
	Use:   "toggle <id>",
	Short: "Pause an active recurring schedule or resume a paused one",
	Args:  cobra.ExactArgs(1),
	RunE: withServices(func(ctx context.Context, svc *services, args []string) error {
		s, err := svc.manager.Toggle(ctx, args[0])
		if err != nil {
			return err
		}
		pterm.Success.Printf("%s %s is now %s\n", sym.ForStatus(string(s.Status)), s.Name, s.Status)
		return nil
	}),
}

var scheduleRmCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"delete"},
	Short:   "Delete a schedule (execution history is kept)",
	Args:    cobra.ExactArgs(1),
	RunE: withServices(func(ctx context.Context, svc *services, args []string) error {
		if err := svc.manager.Delete(ctx, args[0]); err != nil {
			return err
		}
		pterm.Success.Printf("%s Deleted schedule %s\n", sym.StatusDeleted, args[0])
		return nil
	}),
}

var scheduleDupCmd = &cobra.Command{
	Use:   "dup <id>",
	Short: "Duplicate a schedule; prints the draft unless --save is given",
	Args:  cobra.ExactArgs(1),
	RunE: withServices(func(ctx context.Context, svc *services, args []string) error {
		if scheduleSave {
			s, err := svc.manager.DuplicateAndSave(ctx, args[0])
			if err != nil {
				return err
			}
			pterm.Success.Printf("Created %s (%s)\n", s.Name, s.ID)
			return nil
		}
		draft, err := svc.manager.Duplicate(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(draft)
	}),
}

var scheduleExecutionsCmd = &cobra.Command{
	Use:     "executions <id>",
	Aliases: []string{"history"},
	Short:   "List a schedule's executions, newest first",
	Args:    cobra.ExactArgs(1),
	RunE: withServices(func(ctx context.Context, svc *services, args []string) error {
		if _, err := svc.manager.Get(ctx, args[0]); err != nil {
			return err
		}
		execs, total, err := svc.executions.ListBySchedule(ctx, args[0], scheduleLimit, 0)
		if err != nil {
			return err
		}
		if scheduleJSON {
			return printJSON(execs)
		}
		if len(execs) == 0 {
			pterm.Info.Println("No executions yet")
			return nil
		}
		data := pterm.TableData{{"ID", "Trigger", "Status", "Started", "Duration", "Matched", "OK", "Failed"}}
		for _, e := range execs {
			matched, ok, failed, _ := e.Totals()
			duration := "-"
			if e.DurationMs != nil {
				duration = (time.Duration(*e.DurationMs) * time.Millisecond).String()
			}
			data = append(data, []string{
				shortID(e.ID), string(e.Trigger), e.Status,
				e.StartedAt.Local().Format("2006-01-02 15:04:05"), duration,
				fmt.Sprint(matched), fmt.Sprint(ok), fmt.Sprint(failed),
			})
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
			return err
		}
		fmt.Printf("%d of %d executions\n", len(execs), total)
		return nil
	}),
}

func init() {
	scheduleLsCmd.Flags().StringVar(&scheduleAgent, "agent", "", "Only list this agent's schedules")
	scheduleLsCmd.Flags().BoolVar(&scheduleJSON, "json", false, "Output as JSON")
	scheduleApplyCmd.Flags().StringVarP(&scheduleFile, "file", "f", "", "YAML file to apply (- for stdin)")
	_ = scheduleApplyCmd.MarkFlagRequired("file")
	scheduleDupCmd.Flags().BoolVar(&scheduleSave, "save", false, "Save the copy as a new active schedule")
	scheduleExecutionsCmd.Flags().IntVar(&scheduleLimit, "limit", 20, "Number of executions to show")
	scheduleExecutionsCmd.Flags().BoolVar(&scheduleJSON, "json", false, "Output as JSON")

	ScheduleCmd.AddCommand(scheduleLsCmd, scheduleShowCmd, scheduleApplyCmd, scheduleRunCmd,
		scheduleToggleCmd, scheduleRmCmd, scheduleDupCmd, scheduleExecutionsCmd)
}

// withServices adapts a command body that needs the scheduler services
func withServices(fn func(ctx context.Context, svc *services, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		svc, err := buildServices(ctx, "", nil)
		if err != nil {
			return err
		}
		defer svc.Close()
		return fn(ctx, svc, args)
	}
}

func runScheduleLs(ctx context.Context, svc *services, _ []string) error {
	schedules, err := svc.manager.List(ctx, scheduleAgent)
	if err != nil {
		return err
	}
	if scheduleJSON {
		return printJSON(schedules)
	}
	if len(schedules) == 0 {
		pterm.Info.Println("No schedules")
		return nil
	}

	data := pterm.TableData{{"", "ID", "Name", "Agent", "Mode", "Every", "Next run", "Steps"}}
	for _, s := range schedules {
		every := "-"
		if s.Mode == schedule.ModeRecurring {
			every = s.Interval().String()
		}
		next := "-"
		if s.NextRunAt != nil {
			next = s.NextRunAt.Local().Format("2006-01-02 15:04")
		}
		data = append(data, []string{
			sym.ForStatus(string(s.Status)), s.ID, s.Name, s.AgentID,
			string(s.Mode), every, next, fmt.Sprint(len(s.Steps)),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runScheduleApply(ctx context.Context, svc *services, _ []string) error {
	var r io.Reader = os.Stdin
	if scheduleFile != "-" {
		f, err := os.Open(scheduleFile)
		if err != nil {
			return errors.Wrapf(err, "failed to open %s", scheduleFile)
		}
		defer f.Close()
		r = f
	}

	inputs, err := parseScheduleFile(r)
	if err != nil {
		return err
	}
	for i, in := range inputs {
		if err := resolveStepModels(ctx, svc.records, in.Steps); err != nil {
			return errors.Wrapf(err, "document %d", i+1)
		}
		draft, err := in.Draft()
		if err != nil {
			return errors.Wrapf(err, "document %d", i+1)
		}
		s, err := svc.manager.Create(ctx, draft)
		if err != nil {
			return errors.Wrapf(err, "document %d (%s)", i+1, in.Name)
		}
		pterm.Success.Printf("%s Created %s (%s)\n", sym.ForStatus(string(s.Status)), s.Name, s.ID)
	}
	return nil
}

// parseScheduleFile decodes every YAML document in r as a schedule input
func parseScheduleFile(r io.Reader) ([]schedule.Input, error) {
	dec := yaml.NewDecoder(r)
	var inputs []schedule.Input
	for {
		var in schedule.Input
		err := dec.Decode(&in)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errors.NewValidationError("schedule file, document %d: %v", len(inputs)+1, err)
		}
		inputs = append(inputs, in)
	}
	if len(inputs) == 0 {
		return nil, errors.NewValidationError("schedule file holds no documents")
	}
	return inputs, nil
}

// resolveStepModels lets files name models instead of quoting their IDs
func resolveStepModels(ctx context.Context, models modelLookup, steps []schedule.StepInput) error {
	for i := range steps {
		ref := strings.TrimSpace(steps[i].ModelID)
		if ref == "" {
			continue
		}
		if _, err := models.GetModel(ctx, ref); err == nil {
			continue
		} else if !errors.IsNotFound(err) {
			return err
		}
		m, err := models.GetModelByName(ctx, ref)
		if err != nil {
			if errors.IsNotFound(err) {
				return errors.NewConfigurationError("step %d: no model with id or name %q", i+1, ref)
			}
			return err
		}
		steps[i].ModelID = m.ID
	}
	return nil
}

type modelLookup interface {
	GetModel(ctx context.Context, id string) (*record.Model, error)
	GetModelByName(ctx context.Context, name string) (*record.Model, error)
}

func printExecution(exec *schedule.Execution) error {
	header := fmt.Sprintf("%s Execution %s: %s", sym.Pulse, shortID(exec.ID), exec.Status)
	switch exec.Status {
	case schedule.ExecutionStatusCompleted:
		pterm.Success.Println(header)
	case schedule.ExecutionStatusFailed:
		pterm.Error.Println(header)
		pterm.Error.Println(exec.Error)
	default:
		pterm.Warning.Println(header)
	}

	if len(exec.StepResults) == 0 {
		return nil
	}
	data := pterm.TableData{{"Step", "Action", "Matched", "OK", "Failed", "Skipped"}}
	for _, r := range exec.StepResults {
		data = append(data, []string{
			fmt.Sprint(r.StepOrder), r.ActionID, fmt.Sprint(r.MatchedRecordCount),
			fmt.Sprint(r.Succeeded), fmt.Sprint(r.Failed), fmt.Sprint(r.Skipped),
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}
	for _, r := range exec.StepResults {
		for _, e := range r.Errors {
			pterm.Warning.Printf("step %d, record %s: %s: %s\n", r.StepOrder, shortID(e.RecordID), e.Kind, e.Message)
		}
	}
	return nil
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode JSON")
	}
	fmt.Println(string(data))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
