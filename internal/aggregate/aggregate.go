// Package aggregate folds predicted bundles into per-label prevalence
// results and derives classification metrics, token statistics and cost.
package aggregate

import (
	"math"
	"strconv"
	"strings"

	"github.com/abhisek/threadlab/internal/model"
)

// Aggregate folds the bundles an experiment left on its units into one
// PredictionResult per label of the template. Units without a bundle of
// exactly RunsPerUnit predictions are skipped.
//
// For bool labels a run counts towards k when it predicted true. For every
// other label type it counts when the prediction equals the unit's ground
// truth.
func Aggregate(exp *model.Experiment, tmpl *model.LabelTemplate, units []*model.ClusterUnit) map[string]model.PredictionResult {
	out := make(map[string]model.PredictionResult, len(tmpl.Labels))
	for _, def := range tmpl.Labels {
		out[def.Name] = model.PredictionResult{
			PrevalenceDistribution:             map[string]int{},
			IndividualPredictionTruthLabelList: []model.TruthPair{},
		}
	}

	for _, u := range units {
		bundle, ok := u.CompleteBundle(exp.ID, exp.RunsPerUnit)
		if !ok {
			continue
		}
		for _, def := range tmpl.Labels {
			truth := u.GroundTruthValue(tmpl.ID, def.Name)
			k := RunsPredictedTrue(def, bundle, truth)

			r := out[def.Name]
			r.PrevalenceDistribution[strconv.Itoa(k)]++
			r.IndividualPredictionTruthLabelList = append(r.IndividualPredictionTruthLabelList,
				model.TruthPair{RunsPredictedTrue: k, GroundTruth: truth})
			if Truthy(truth) {
				r.SumGroundTruth++
			}
			out[def.Name] = r
		}
	}
	return out
}

// RunsPredictedTrue counts the runs of a bundle that voted for a label.
func RunsPredictedTrue(def model.LabelDefinition, bundle model.PredictedBundle, truth any) int {
	k := 0
	for _, run := range bundle.PredictedCategories {
		pred, ok := run.LabelsPrediction[def.Name]
		if !ok {
			continue
		}
		if def.Type == model.LabelBool {
			if isTrue(pred.Value) {
				k++
			}
			continue
		}
		if truth != nil && ValuesEqual(pred.Value, truth) {
			k++
		}
	}
	return k
}

func isTrue(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		return strings.EqualFold(x, "true")
	}
	return false
}

// Truthy reports whether a ground-truth value marks an actual positive:
// anything but nil, false, zero and the empty string.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != "" && !strings.EqualFold(x, "false")
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	return true
}

// ValuesEqual compares a predicted value with a ground-truth value. Numbers
// compare by value regardless of their Go type; strings compare exactly.
func ValuesEqual(a, b any) bool {
	fa, aNum := toFloat(a)
	fb, bNum := toFloat(b)
	if aNum && bNum {
		return fa == fb
	}
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		return ok && x == y
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, !math.IsNaN(x)
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	}
	return 0, false
}
