package api

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/hubenschmidt/bagger-spl/runwatch/internal/runs"
)

// parseRun reads a run record. Only a missing id rejects the record; any
// other malformed field is dropped.
func parseRun(v gjson.Result) (runs.Run, bool) {
	if !v.IsObject() {
		return runs.Run{}, false
	}
	id := v.Get("id").String()
	if id == "" {
		return runs.Run{}, false
	}

	run := runs.Run{
		ID:        id,
		Status:    runs.Status(strings.ToLower(v.Get("status").String())),
		CreatedAt: num(v.Get("created_at")),
		UpdatedAt: num(v.Get("updated_at")),
		Error:     v.Get("error").String(),
	}
	if p := v.Get("params"); p.Exists() && p.Type != gjson.Null {
		run.Params = json.RawMessage(p.Raw)
	}
	if res := v.Get("result"); res.IsObject() {
		run.Result = parseResult(res)
	}
	return run, true
}

func parseResult(v gjson.Result) *runs.RunResult {
	res := &runs.RunResult{
		Alignment: v.Get("alignment").String(),
		Metrics:   numberMap(v.Get("metrics")),
	}
	for _, entry := range v.Get("history").Array() {
		if it, ok := ParseIteration(entry); ok {
			res.History = append(res.History, it)
		}
	}
	if s := v.Get("summary"); s.IsObject() {
		res.Summary = json.RawMessage(s.Raw)
	}
	if r := v.Get("response"); r.IsObject() {
		res.Response = json.RawMessage(r.Raw)
	}
	if c := v.Get("convergence"); c.IsObject() {
		res.Convergence = parseConvergence(c)
	}
	return res
}

// ParseIteration reads one history entry. Entries without a non-negative
// integer iter are rejected since they cannot be merged by iteration.
func ParseIteration(v gjson.Result) (runs.IterationMetrics, bool) {
	if !v.IsObject() {
		return runs.IterationMetrics{}, false
	}
	iter := v.Get("iter")
	if iter.Type != gjson.Number || iter.Num < 0 || iter.Num != math.Trunc(iter.Num) {
		return runs.IterationMetrics{}, false
	}
	return runs.IterationMetrics{
		Iter:      int(iter.Num),
		Loss:      optNum(v.Get("loss")),
		GradNorm:  optNum(v.Get("gradNorm")),
		Topology:  v.Get("topology").String(),
		Timestamp: optNum(v.Get("timestamp")),
		Metrics:   numberMap(v.Get("metrics")),
	}, true
}

func parseConvergence(v gjson.Result) *runs.ConvergenceInfo {
	c := &runs.ConvergenceInfo{
		FinalLoss: optNum(v.Get("finalLoss")),
		CPUTime:   optNum(v.Get("cpuTime")),
	}
	if b := v.Get("converged"); b.IsBool() {
		converged := b.Bool()
		c.Converged = &converged
	}
	if n := optNum(v.Get("iterations")); n != nil && *n >= 0 {
		iterations := int(*n)
		c.Iterations = &iterations
	}
	if sol, ok := v.Get("solution").Value().(map[string]any); ok {
		c.Solution = sol
	}
	return c
}

func num(v gjson.Result) float64 {
	if f := optNum(v); f != nil {
		return *f
	}
	return 0
}

func optNum(v gjson.Result) *float64 {
	if v.Type != gjson.Number || math.IsNaN(v.Num) || math.IsInf(v.Num, 0) {
		return nil
	}
	f := v.Num
	return &f
}

func numberMap(v gjson.Result) map[string]float64 {
	if !v.IsObject() {
		return nil
	}
	out := make(map[string]float64)
	v.ForEach(func(k, val gjson.Result) bool {
		if f := optNum(val); f != nil {
			out[k.String()] = *f
		}
		return true
	})
	if len(out) == 0 {
		return nil
	}
	return out
}
