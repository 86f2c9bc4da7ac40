package ctl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	yaml "go.yaml.in/yaml/v3"

	"calibra/internal/fleet"
	"calibra/internal/recurrence"
	"calibra/internal/storage"
)

// importFile is the YAML document read by `calibctl import`.
//
//	methods:
//	  - name: Torque check
//	    instrument_type_id: wrench
//	    rule: {recurrenceType: FIXED_INTERVAL, frequencyValue: 6, frequencyUnit: MONTHS}
//	instruments:
//	  - id: TW-1
//	    name: Torque wrench
//	    type_id: wrench
//	    last_calibrated_at: 2024-05-01
//	    method: Torque check
//
// An instrument with neither method nor rule gets DefaultImportInterval.
type importFile struct {
	Methods     []importMethod     `yaml:"methods"`
	Instruments []importInstrument `yaml:"instruments"`
}

type importMethod struct {
	Name             string          `yaml:"name"`
	Description      string          `yaml:"description"`
	InstrumentTypeID string          `yaml:"instrument_type_id"`
	Rule             recurrence.Form `yaml:"rule"`
}

type importInstrument struct {
	ID               string          `yaml:"id"`
	Name             string          `yaml:"name"`
	TypeID           string          `yaml:"type_id"`
	LastCalibratedAt string          `yaml:"last_calibrated_at"`
	CreatedAt        string          `yaml:"created_at"`
	Method           string          `yaml:"method"` // method name or id
	Rule             recurrence.Form `yaml:"rule"`
}

type importStats struct {
	MethodsCreated, MethodsExisting         int
	InstrumentsCreated, InstrumentsExisting int
	Defaulted                               []string
}

func decodeImport(r io.Reader) (importFile, error) {
	var f importFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return f, errors.New("import file is empty")
		}
		return f, fmt.Errorf("parse import file: %w", err)
	}
	return f, nil
}

// runImport creates the file's methods and instruments. Records that
// already exist (methods by name, instruments by id) are left untouched,
// so re-running an import is harmless.
func runImport(ctx context.Context, svc *fleet.Service, f importFile) (importStats, error) {
	var st importStats
	existing, err := svc.ListMethods(ctx)
	if err != nil {
		return st, err
	}
	byName := make(map[string]*fleet.Method, len(existing))
	byID := make(map[string]*fleet.Method, len(existing))
	for _, m := range existing {
		byName[strings.ToLower(m.Name)] = m
		byID[m.ID] = m
	}

	for i, in := range f.Methods {
		key := strings.ToLower(strings.TrimSpace(in.Name))
		if _, ok := byName[key]; ok {
			st.MethodsExisting++
			continue
		}
		rule, err := in.Rule.Rule()
		if err != nil {
			return st, fmt.Errorf("methods[%d] %q: %w", i, in.Name, err)
		}
		m, err := svc.CreateMethod(ctx, fleet.MethodInput{
			Name:             in.Name,
			Description:      in.Description,
			InstrumentTypeID: in.InstrumentTypeID,
			Rule:             rule,
		})
		if err != nil {
			return st, fmt.Errorf("methods[%d] %q: %w", i, in.Name, err)
		}
		byName[key] = m
		byID[m.ID] = m
		st.MethodsCreated++
	}

	for i, in := range f.Instruments {
		label := fmt.Sprintf("instruments[%d] %q", i, in.ID)
		if id := strings.TrimSpace(in.ID); id != "" {
			if _, err := svc.GetInstrument(ctx, id); err == nil {
				st.InstrumentsExisting++
				continue
			} else if !fleet.IsNotFound(err) {
				return st, fmt.Errorf("%s: %w", label, err)
			}
		}
		var src fleet.Source
		if ref := strings.TrimSpace(in.Method); ref != "" {
			m := byID[ref]
			if m == nil {
				m = byName[strings.ToLower(ref)]
			}
			if m == nil {
				return st, fmt.Errorf("%s: unknown method %q", label, ref)
			}
			if !in.Rule.IsEmpty() {
				return st, fmt.Errorf("%s: set either method or rule, not both", label)
			}
			src = fleet.MethodSource(m.ID)
		} else {
			rule, err := in.Rule.RuleWithDefault(recurrence.DefaultImportInterval)
			if err != nil {
				return st, fmt.Errorf("%s: %w", label, err)
			}
			if in.Rule.IsEmpty() {
				st.Defaulted = append(st.Defaulted, in.ID)
			}
			src = fleet.InlineSource(rule)
		}
		last, err := parseDay("last_calibrated_at", in.LastCalibratedAt)
		if err != nil {
			return st, fmt.Errorf("%s: %w", label, err)
		}
		created, err := parseDay("created_at", in.CreatedAt)
		if err != nil {
			return st, fmt.Errorf("%s: %w", label, err)
		}
		input := fleet.InstrumentInput{ID: in.ID, Name: in.Name, TypeID: in.TypeID, Source: src, CreatedAt: created}
		if !last.IsZero() {
			input.LastCalibratedAt = &last
		}
		if _, err := svc.RegisterInstrument(ctx, input); err != nil {
			return st, fmt.Errorf("%s: %w", label, err)
		}
		st.InstrumentsCreated++
	}
	return st, nil
}

func newImportCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Create methods and instruments from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			f, err := decodeImport(bytes.NewReader(data))
			if err != nil {
				return err
			}
			return e.withService(cmd.Context(), func(svc *fleet.Service, _ storage.Store) error {
				st, err := runImport(cmd.Context(), svc, f)
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "methods: %d created, %d existing\n", st.MethodsCreated, st.MethodsExisting)
				fmt.Fprintf(out, "instruments: %d created, %d existing\n", st.InstrumentsCreated, st.InstrumentsExisting)
				if len(st.Defaulted) > 0 {
					fmt.Fprintf(out, "default interval (%s) applied to: %s\n",
						recurrence.DefaultImportInterval, strings.Join(st.Defaulted, ", "))
				}
				return err
			})
		},
	}
}
