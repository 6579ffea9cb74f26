package aggregate

import "github.com/abhisek/threadlab/internal/model"

// Report is the view of a finished experiment at one threshold.
type Report struct {
	ExperimentID    string                           `json:"experiment_id"`
	Status          model.ExperimentStatus           `json:"status"`
	ModelID         string                           `json:"model_id"`
	RunsPerUnit     int                              `json:"runs_per_unit"`
	SampleSize      int                              `json:"sample_size"`
	Threshold       int                              `json:"threshold"`
	Labels          []PredictionMetric               `json:"labels"`
	Overall         OverallMetric                    `json:"overall"`
	TokenStatistics *model.ExperimentTokenStatistics `json:"token_statistics,omitempty"`
	Cost            *model.ExperimentCost            `json:"experiment_cost,omitempty"`
}

// Summary builds a Report from the experiment's stored aggregate. A
// threshold <= 0 selects the experiment's own threshold. The experiment is
// not modified.
func Summary(exp *model.Experiment, tmpl *model.LabelTemplate, sampleSize, threshold int) Report {
	if threshold <= 0 {
		threshold = exp.DefaultThreshold()
	}

	r := Report{
		ExperimentID:    exp.ID,
		Status:          exp.Status,
		ModelID:         exp.ModelID,
		RunsPerUnit:     exp.RunsPerUnit,
		SampleSize:      sampleSize,
		Threshold:       threshold,
		Labels:          make([]PredictionMetric, 0, len(tmpl.Labels)),
		TokenStatistics: exp.TokenStatistics,
		Cost:            exp.ExperimentCost,
	}
	for _, name := range tmpl.LabelNames() {
		result, ok := exp.AggregateResult[name]
		if !ok {
			continue
		}
		r.Labels = append(r.Labels, ComputeMetrics(name, result, sampleSize, exp.RunsPerUnit, threshold))
	}
	r.Overall = Overall(r.Labels)
	return r
}
