package commands

import (
	"context"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/record"
	"github.com/teranos/loom/sym"
)

// ModelCmd groups model management commands
var ModelCmd = &cobra.Command{
	Use:   "model",
	Short: sym.Record + " Manage record models",
	Long: sym.Record + ` model — Manage the models records belong to

Models are declared in TOML:

  [[models]]
  name = "SupportTicket"

    [[models.fields]]
    name = "status"
    type = "select"
    options = ["New", "Open", "Resolved"]
    default_value = "New"

Examples:
  loom model apply -f models.toml    # Create or update models
  loom model ls                      # List models and their fields`,
}

// RecordCmd groups record commands
var RecordCmd = &cobra.Command{
	Use:   "record",
	Short: sym.Record + " Inspect and add records",
}

var modelFile string

var modelApplyCmd = &cobra.Command{
	Use:   "apply -f <file>",
	Short: "Create or update models from a TOML file",
	RunE: withServices(func(ctx context.Context, svc *services, _ []string) error {
		var r io.Reader = os.Stdin
		if modelFile != "-" {
			f, err := os.Open(modelFile)
			if err != nil {
				return errors.Wrapf(err, "failed to open %s", modelFile)
			}
			defer f.Close()
			r = f
		}
		models, err := parseModelFile(r)
		if err != nil {
			return err
		}
		for _, m := range models {
			if err := svc.records.UpsertModel(ctx, m); err != nil {
				return errors.Wrapf(err, "model %s", m.Name)
			}
			pterm.Success.Printf("%s %s (%d fields) %s\n", sym.Record, m.Name, len(m.Fields), m.ID)
		}
		return nil
	}),
}

var modelLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List models",
	RunE: withServices(func(ctx context.Context, svc *services, _ []string) error {
		models, err := svc.records.ListModels(ctx)
		if err != nil {
			return err
		}
		if len(models) == 0 {
			pterm.Info.Println("No models")
			return nil
		}
		data := pterm.TableData{{"ID", "Name", "Fields"}}
		for _, m := range models {
			fields := make([]string, len(m.Fields))
			for i, f := range m.Fields {
				fields[i] = f.Name + ":" + string(f.Type)
			}
			data = append(data, []string{m.ID, m.Name, strings.Join(fields, ", ")})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	}),
}

var recordLsCmd = &cobra.Command{
	Use:   "ls <model>",
	Short: "List a model's records",
	Args:  cobra.ExactArgs(1),
	RunE: withServices(func(ctx context.Context, svc *services, args []string) error {
		m, err := lookupModel(ctx, svc.records, args[0])
		if err != nil {
			return err
		}
		recs, err := svc.records.ListRecords(ctx, m.ID)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			pterm.Info.Printf("No %s records\n", m.Name)
			return nil
		}

		header := []string{"ID"}
		for _, f := range m.Fields {
			header = append(header, f.Name)
		}
		data := pterm.TableData{header}
		for _, rec := range recs {
			row := []string{shortID(rec.ID)}
			for _, f := range m.Fields {
				row = append(row, truncate(rec.Get(f.Name).String(), 40))
			}
			data = append(data, row)
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	}),
}

var recordAddCmd = &cobra.Command{
	Use:   "add <model> field=value...",
	Short: "Add a record",
	Args:  cobra.MinimumNArgs(1),
	RunE: withServices(func(ctx context.Context, svc *services, args []string) error {
		m, err := lookupModel(ctx, svc.records, args[0])
		if err != nil {
			return err
		}
		fields, err := parseAssignments(args[1:])
		if err != nil {
			return err
		}
		rec, err := svc.records.CreateRecord(ctx, m.ID, fields)
		if err != nil {
			return err
		}
		pterm.Success.Printf("%s Created %s record %s\n", sym.Record, m.Name, rec.ID)
		return nil
	}),
}

func init() {
	modelApplyCmd.Flags().StringVarP(&modelFile, "file", "f", "", "TOML file to apply (- for stdin)")
	_ = modelApplyCmd.MarkFlagRequired("file")
	ModelCmd.AddCommand(modelApplyCmd, modelLsCmd)
	RecordCmd.AddCommand(recordLsCmd, recordAddCmd)
}

type modelFileSpec struct {
	Models []struct {
		Name   string                   `toml:"name"`
		Fields []record.FieldDefinition `toml:"fields"`
	} `toml:"models"`
}

// parseModelFile decodes [[models]] tables. Unknown keys are rejected so a
// typo in a field attribute does not silently drop it.
func parseModelFile(r io.Reader) ([]*record.Model, error) {
	var file modelFileSpec
	md, err := toml.NewDecoder(r).Decode(&file)
	if err != nil {
		return nil, errors.NewValidationError("model file: %v", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return nil, errors.NewValidationError("model file: unknown keys %s", strings.Join(keys, ", "))
	}
	if len(file.Models) == 0 {
		return nil, errors.NewValidationError("model file declares no [[models]]")
	}

	models := make([]*record.Model, 0, len(file.Models))
	for _, m := range file.Models {
		model := &record.Model{Name: m.Name, Fields: m.Fields}
		if err := model.Validate(); err != nil {
			return nil, errors.Wrapf(err, "model %q", m.Name)
		}
		models = append(models, model)
	}
	return models, nil
}

func lookupModel(ctx context.Context, models modelLookup, ref string) (*record.Model, error) {
	m, err := models.GetModel(ctx, ref)
	if errors.IsNotFound(err) {
		return models.GetModelByName(ctx, ref)
	}
	return m, err
}

// parseAssignments turns field=value arguments into raw record fields.
// Values stay strings; the record store coerces them to the field type.
func parseAssignments(args []string) (map[string]interface{}, error) {
	fields := make(map[string]interface{}, len(args))
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, errors.NewValidationError("expected field=value, got %q", arg)
		}
		fields[strings.TrimSpace(name)] = value
	}
	return fields, nil
}

func truncate(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
