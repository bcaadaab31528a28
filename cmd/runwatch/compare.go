package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hubenschmidt/bagger-spl/runwatch/internal/alignment"
	"github.com/hubenschmidt/bagger-spl/runwatch/internal/api"
)

var (
	compareDriver         string
	compareBox            string
	compareAlignment      string
	compareMinHz          float64
	compareMaxHz          float64
	compareSmoothing      float64
	compareApplyOverrides bool
	compareDriveVoltage   float64
	compareMicDistance    float64
	compareOut            string
	compareView           alignment.Selection

	compareCmd = &cobra.Command{
		Use:   "compare <measurement-file>",
		Short: "Compare a measurement with the solver prediction and export the aligned CSV",
		Long: `Compare a measurement trace with the solver prediction for a driver in a box.

A .json measurement is read as a trace directly. Any other file (REW/CSV
exports) is parsed by the gateway's preview endpoint first.`,
		Args: cobra.ExactArgs(1),
		RunE: runCompare,
	}
)

func init() {
	f := compareCmd.Flags()
	f.StringVar(&compareDriver, "driver", "", "driver parameters JSON file")
	f.StringVar(&compareBox, "box", "", "box description JSON file")
	f.StringVar(&compareAlignment, "alignment", "sealed", "sealed or vented")
	f.Float64Var(&compareMinHz, "min-hz", 0, "lower edge of the evaluated band")
	f.Float64Var(&compareMaxHz, "max-hz", 0, "upper edge of the evaluated band")
	f.Float64Var(&compareSmoothing, "smoothing", 0, "fractional-octave smoothing, e.g. 6 for 1/6 octave")
	f.BoolVar(&compareApplyOverrides, "apply-overrides", false, "rerun the prediction with calibration overrides")
	f.Float64Var(&compareDriveVoltage, "drive-voltage", 0, "drive voltage in volts")
	f.Float64Var(&compareMicDistance, "mic-distance", 0, "microphone distance in metres")
	f.StringVarP(&compareOut, "out", "o", "", "CSV output file (default stdout)")
	f.TextVar(&compareView, "view",
		alignment.Selection{Metric: alignment.MetricSPL, Mode: alignment.ModeOverlay},
		"metric/mode view to check for data, e.g. phase/delta")
	compareCmd.MarkFlagRequired("driver")
	compareCmd.MarkFlagRequired("box")
}

func runCompare(cmd *cobra.Command, args []string) error {
	client := newAPIClient(cfg)
	ctx := cmd.Context()

	measurement, err := loadMeasurement(cmd, client, args[0])
	if err != nil {
		return err
	}
	driver, err := readJSONFile(compareDriver)
	if err != nil {
		return fmt.Errorf("driver: %w", err)
	}
	box, err := readJSONFile(compareBox)
	if err != nil {
		return fmt.Errorf("box: %w", err)
	}

	flags := cmd.Flags()
	changed := func(name string, v float64) *float64 {
		if !flags.Changed(name) {
			return nil
		}
		return &v
	}
	req := alignment.CompareRequest{
		Alignment:         strings.ToLower(compareAlignment),
		Driver:            driver,
		Box:               box,
		MinFrequencyHz:    changed("min-hz", compareMinHz),
		MaxFrequencyHz:    changed("max-hz", compareMaxHz),
		SmoothingFraction: changed("smoothing", compareSmoothing),
		ApplyOverrides:    compareApplyOverrides,
		DriveVoltage:      changed("drive-voltage", compareDriveVoltage),
		MicDistanceM:      changed("mic-distance", compareMicDistance),
	}

	session := alignment.NewSession(client, slog.Default())
	session.SetMeasurement(measurement)
	session.Select(compareView)
	res, err := session.Compare(ctx, req)
	if err != nil {
		return fmt.Errorf("compare: %w", err)
	}
	logComparison(session.View(), res)

	table, err := session.Export()
	if err != nil {
		return err
	}

	var out io.Writer = cmd.OutOrStdout()
	if compareOut != "" {
		f, err := os.Create(compareOut)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	if err = table.WriteCSV(out); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	if compareOut != "" {
		slog.Info("export written", "path", compareOut, "rows", len(table.Rows), "columns", len(table.Header))
	}
	return nil
}

// loadMeasurement reads a JSON trace directly, or uploads any other file to
// the gateway preview endpoint.
func loadMeasurement(cmd *cobra.Command, client *api.Client, path string) (*alignment.Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var raw []byte
	if strings.EqualFold(filepath.Ext(path), ".json") {
		raw, err = io.ReadAll(f)
	} else {
		raw, err = client.PreviewMeasurement(cmd.Context(), path, f)
	}
	if err != nil {
		return nil, fmt.Errorf("measurement %s: %w", path, err)
	}

	m := alignment.ParseTrace(raw)
	if m == nil {
		return nil, fmt.Errorf("measurement %s: %w", path, errors.New("no usable frequency axis"))
	}
	return m, nil
}

func readJSONFile(path string) (json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%s is not valid JSON", path)
	}
	return json.RawMessage(data), nil
}

func logComparison(v alignment.View, res *alignment.ComparisonResult) {
	attrs := []any{"samples", res.Stats.SampleCount()}
	if res.Band != nil {
		attrs = append(attrs, "min_hz", res.Band.MinHz, "max_hz", res.Band.MaxHz)
	}
	if res.Calibrated != nil {
		attrs = append(attrs, "calibrated", true)
	}
	available := make([]string, 0, len(v.Availability))
	for sel, ok := range v.Availability {
		if ok {
			available = append(available, sel.String())
		}
	}
	slices.Sort(available)
	attrs = append(attrs, "views", strings.Join(available, ","))
	slog.Info("comparison complete", attrs...)

	if v.Recommended != nil {
		slog.Warn("requested view has no data", "view", v.Selection.String(), "recommended", v.Recommended.String())
	}
}
