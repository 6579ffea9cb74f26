package aggregate

import (
	"encoding/json"
	"math"
	"strconv"

	"github.com/abhisek/threadlab/internal/model"
)

// Beta weights recall over precision in FBeta.
const Beta = 2.0

// Odds is a ratio that may be infinite. It encodes +Inf as the JSON
// string "Infinity".
type Odds float64

func (o Odds) MarshalJSON() ([]byte, error) {
	if math.IsInf(float64(o), 1) {
		return []byte(`"Infinity"`), nil
	}
	return json.Marshal(float64(o))
}

func (o *Odds) UnmarshalJSON(data []byte) error {
	if string(data) == `"Infinity"` {
		*o = Odds(math.Inf(1))
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*o = Odds(f)
	return nil
}

// ConfusionMatrix counts units by predicted and actual class.
type ConfusionMatrix struct {
	TP int `json:"tp"`
	FP int `json:"fp"`
	TN int `json:"tn"`
	FN int `json:"fn"`
}

// N is the number of units in the matrix.
func (c ConfusionMatrix) N() int { return c.TP + c.FP + c.TN + c.FN }

// PredictionMetric is the classification report for one label at one
// threshold. Ratios with a zero denominator are 0, except the diagnostic
// odds ratio (see Odds).
type PredictionMetric struct {
	Label           string          `json:"label"`
	Threshold       int             `json:"threshold"`
	PrevalenceCount int             `json:"prevalence_count"`
	Prevalence      float64         `json:"prevalence"`
	ConfusionMatrix ConfusionMatrix `json:"confusion_matrix"`

	Accuracy                float64 `json:"accuracy"`
	Precision               float64 `json:"precision"`
	Recall                  float64 `json:"recall"`
	Specificity             float64 `json:"specificity"`
	NPV                     float64 `json:"npv"`
	F1                      float64 `json:"f1"`
	FBeta                   float64 `json:"f_beta"`
	MCC                     float64 `json:"mcc"`
	Kappa                   float64 `json:"cohens_kappa"`
	BalancedAccuracy        float64 `json:"balanced_accuracy"`
	Informedness            float64 `json:"informedness"`
	Markedness              float64 `json:"markedness"`
	DiagnosticOddsRatio     *Odds   `json:"diagnostic_odds_ratio"`
	PositiveLikelihoodRatio float64 `json:"positive_likelihood_ratio"`
	NegativeLikelihoodRatio float64 `json:"negative_likelihood_ratio"`
	GroundTruthPrevalence   float64 `json:"ground_truth_prevalence"`
	Bias                    float64 `json:"bias"`
	ThreatScore             float64 `json:"threat_score"`
	FowlkesMallows          float64 `json:"fowlkes_mallows"`
}

// ComputeMetrics derives the metric report from a label's result. A unit
// is predicted positive when at least threshold runs voted for it.
func ComputeMetrics(label string, result model.PredictionResult, sampleSize, runs, threshold int) PredictionMetric {
	m := PredictionMetric{Label: label, Threshold: threshold}

	for key, count := range result.PrevalenceDistribution {
		k, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		m.PrevalenceCount += k * count
	}
	m.Prevalence = div(float64(m.PrevalenceCount), float64(sampleSize*runs))

	var cm ConfusionMatrix
	for _, p := range result.IndividualPredictionTruthLabelList {
		predicted := p.RunsPredictedTrue >= threshold
		actual := Truthy(p.GroundTruth)
		switch {
		case predicted && actual:
			cm.TP++
		case predicted && !actual:
			cm.FP++
		case !predicted && actual:
			cm.FN++
		default:
			cm.TN++
		}
	}
	m.ConfusionMatrix = cm
	fillRates(&m, cm)
	return m
}

func fillRates(m *PredictionMetric, cm ConfusionMatrix) {
	tp, fp, tn, fn := float64(cm.TP), float64(cm.FP), float64(cm.TN), float64(cm.FN)
	n := tp + fp + tn + fn

	m.Accuracy = div(tp+tn, n)
	m.Precision = div(tp, tp+fp)
	m.Recall = div(tp, tp+fn)
	m.Specificity = div(tn, tn+fp)
	m.NPV = div(tn, tn+fn)
	m.F1 = div(2*m.Precision*m.Recall, m.Precision+m.Recall)
	b2 := Beta * Beta
	m.FBeta = div((1+b2)*m.Precision*m.Recall, b2*m.Precision+m.Recall)
	m.MCC = div(tp*tn-fp*fn, math.Sqrt((tp+fp)*(tp+fn)*(tn+fp)*(tn+fn)))

	if n > 0 {
		pe := ((tp+fp)*(tp+fn) + (fn+tn)*(fp+tn)) / (n * n)
		m.Kappa = div(m.Accuracy-pe, 1-pe)
	}

	m.BalancedAccuracy = (m.Recall + m.Specificity) / 2
	m.Informedness = m.Recall + m.Specificity - 1
	m.Markedness = m.Precision + m.NPV - 1

	m.DiagnosticOddsRatio = diagnosticOdds(cm)

	m.PositiveLikelihoodRatio = div(m.Recall, 1-m.Specificity)
	m.NegativeLikelihoodRatio = div(1-m.Recall, m.Specificity)
	m.GroundTruthPrevalence = div(tp+fn, n)
	m.Bias = div(tp+fp, n)
	m.ThreatScore = div(tp, tp+fn+fp)
	m.FowlkesMallows = math.Sqrt(m.Precision * m.Recall)
}

// diagnosticOdds is (tp·tn)/(fp·fn). It is +Inf when both error counts
// are zero and both correct counts are not, and nil when the ratio is
// ambiguous: one error count is zero while the other is not, or tp·tn is
// zero with no errors.
func diagnosticOdds(cm ConfusionMatrix) *Odds {
	var dor Odds
	switch {
	case cm.FP > 0 && cm.FN > 0:
		dor = Odds(float64(cm.TP*cm.TN) / float64(cm.FP*cm.FN))
	case cm.FP == 0 && cm.FN == 0 && cm.TP > 0 && cm.TN > 0:
		dor = Odds(math.Inf(1))
	default:
		return nil
	}
	return &dor
}

// div returns a/b, or 0 when b is zero.
func div(a, b float64) float64 {
	if b == 0 || math.IsNaN(b) {
		return 0
	}
	return a / b
}

// OverallMetric is the prevalence-weighted summary across labels.
type OverallMetric struct {
	Accuracy float64 `json:"accuracy"`
	Kappa    float64 `json:"cohens_kappa"`
}

// Overall averages accuracy and Cohen's kappa over labels, weighting each
// label by its ground-truth prevalence. When no label has a positive unit
// the plain mean is used.
func Overall(metrics []PredictionMetric) OverallMetric {
	if len(metrics) == 0 {
		return OverallMetric{}
	}

	var acc, kappa, weights float64
	for _, m := range metrics {
		w := m.GroundTruthPrevalence
		acc += w * m.Accuracy
		kappa += w * m.Kappa
		weights += w
	}
	if weights > 0 {
		return OverallMetric{Accuracy: acc / weights, Kappa: kappa / weights}
	}

	for _, m := range metrics {
		acc += m.Accuracy
		kappa += m.Kappa
	}
	n := float64(len(metrics))
	return OverallMetric{Accuracy: acc / n, Kappa: kappa / n}
}
