package evaluation

import (
	"fmt"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"miqa/internal/models"
)

// QualityLevels is the number of discrete overall quality scores (0..10).
const QualityLevels = 11

// Confusion counts (truth, predicted) pairs over the classes 0..n-1.
// Rows are ground truth, columns predictions.
type Confusion struct {
	Counts [][]int
}

// NewConfusion returns an empty n-class matrix.
func NewConfusion(n int) *Confusion {
	counts := make([][]int, n)
	for i := range counts {
		counts[i] = make([]int, n)
	}
	return &Confusion{Counts: counts}
}

// QualityConfusion bins continuous quality predictions and truths into an
// 11-class matrix after rounding and clamping both to 0..10.
func QualityConfusion(pred, truth []float64) (*Confusion, error) {
	if len(pred) != len(truth) {
		return nil, ErrLengthMismatch
	}
	cm := NewConfusion(QualityLevels)
	for i := range pred {
		cm.Add(ClampRound(truth[i], 0, QualityLevels-1), ClampRound(pred[i], 0, QualityLevels-1))
	}
	return cm, nil
}

// Add records one example.
func (c *Confusion) Add(truth, pred int) {
	c.Counts[truth][pred]++
}

// Total returns the number of recorded examples.
func (c *Confusion) Total() int {
	var n int
	for _, row := range c.Counts {
		for _, v := range row {
			n += v
		}
	}
	return n
}

// Accuracy is the fraction of examples on the diagonal.
func (c *Confusion) Accuracy() float64 {
	total := c.Total()
	if total == 0 {
		return 0
	}
	var hit int
	for i := range c.Counts {
		hit += c.Counts[i][i]
	}
	return float64(hit) / float64(total)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.Style().Format.Header = text.FormatDefault
	return tw
}

// Render draws the matrix as a table.
func (c *Confusion) Render() string {
	tw := newTable()

	header := table.Row{"truth \\ pred"}
	for i := range c.Counts {
		header = append(header, strconv.Itoa(i))
	}
	tw.AppendHeader(header)
	for i, row := range c.Counts {
		r := table.Row{strconv.Itoa(i)}
		for _, v := range row {
			r = append(r, v)
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, len(c.Counts)+1)
	for i := 0; i <= len(c.Counts); i++ {
		configs = append(configs, table.ColumnConfig{Number: i + 1, Align: text.AlignRight})
	}
	tw.SetColumnConfigs(configs)
	return tw.Render()
}

// ClassScore is one row of a classification report.
type ClassScore struct {
	Class     int
	Precision float64
	Recall    float64
	F1        float64
	Support   int
}

// Report lists per-class scores for every class that occurs in either the
// ground truth or the predictions, plus the macro average.
func (c *Confusion) Report() (rows []ClassScore, macro ClassScore) {
	n := len(c.Counts)
	for k := 0; k < n; k++ {
		var tp, predicted, actual int
		tp = c.Counts[k][k]
		for i := 0; i < n; i++ {
			predicted += c.Counts[i][k]
			actual += c.Counts[k][i]
		}
		if predicted == 0 && actual == 0 {
			continue
		}

		score := ClassScore{Class: k, Support: actual}
		if predicted > 0 {
			score.Precision = float64(tp) / float64(predicted)
		}
		if actual > 0 {
			score.Recall = float64(tp) / float64(actual)
		}
		if score.Precision+score.Recall > 0 {
			score.F1 = 2 * score.Precision * score.Recall / (score.Precision + score.Recall)
		}
		rows = append(rows, score)
	}

	macro.Class = -1
	for _, r := range rows {
		macro.Precision += r.Precision
		macro.Recall += r.Recall
		macro.F1 += r.F1
		macro.Support += r.Support
	}
	if len(rows) > 0 {
		k := float64(len(rows))
		macro.Precision /= k
		macro.Recall /= k
		macro.F1 /= k
	}
	return rows, macro
}

// RenderReport draws the classification report as a table.
func (c *Confusion) RenderReport() string {
	rows, macro := c.Report()

	tw := newTable()
	tw.AppendHeader(table.Row{"class", "precision", "recall", "f1-score", "support"})
	for _, r := range rows {
		tw.AppendRow(table.Row{strconv.Itoa(r.Class), fmt.Sprintf("%.2f", r.Precision),
			fmt.Sprintf("%.2f", r.Recall), fmt.Sprintf("%.2f", r.F1), r.Support})
	}
	tw.AppendSeparator()
	tw.AppendRow(table.Row{"accuracy", "", "", fmt.Sprintf("%.2f", c.Accuracy()), c.Total()})
	tw.AppendRow(table.Row{"macro avg", fmt.Sprintf("%.2f", macro.Precision),
		fmt.Sprintf("%.2f", macro.Recall), fmt.Sprintf("%.2f", macro.F1), macro.Support})
	return tw.Render()
}

// ArtifactConfusion is the binary confusion of one artifact, in the order
// [TN, FP, FN, TP].
type ArtifactConfusion [4]int

// ArtifactConfusions compares artifact outputs with labels for every schema
// artifact. An output counts as positive when it rounds to 1 after
// clamping to [0, 1]. Examples with an unknown label are skipped.
func ArtifactConfusions(schema models.Schema, preds, targets [][]float64) (map[string]ArtifactConfusion, error) {
	if len(preds) != len(targets) {
		return nil, ErrLengthMismatch
	}

	offset := schema.ArtifactOffset()
	out := make(map[string]ArtifactConfusion, len(schema.Artifacts))
	for a, name := range schema.Artifacts {
		var cm ArtifactConfusion
		for i := range preds {
			if len(targets[i]) <= offset+a || len(preds[i]) <= offset+a {
				return nil, ErrLengthMismatch
			}
			label := targets[i][offset+a]
			if label == models.LabelUnknown {
				continue
			}
			predicted := ClampRound(preds[i][offset+a], 0, 1) == 1
			actual := label == models.LabelPresent
			switch {
			case !actual && !predicted:
				cm[0]++
			case !actual && predicted:
				cm[1]++
			case actual && !predicted:
				cm[2]++
			default:
				cm[3]++
			}
		}
		out[name] = cm
	}
	return out, nil
}

// RenderArtifactConfusions draws one row per artifact in schema order.
func RenderArtifactConfusions(schema models.Schema, confusions map[string]ArtifactConfusion) string {
	tw := newTable()
	tw.AppendHeader(table.Row{"artifact", "TN", "FP", "FN", "TP"})
	for _, name := range schema.Artifacts {
		cm := confusions[name]
		tw.AppendRow(table.Row{name, cm[0], cm[1], cm[2], cm[3]})
	}
	return tw.Render()
}
