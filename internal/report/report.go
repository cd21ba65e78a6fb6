// Package report renders evaluation results to JSON, CSV and HTML files.
package report

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/lexeval/lexeval/internal/model"
)

// Generator writes report files into one output directory.
type Generator struct {
	outputDir string
	now       func() time.Time
}

func NewGenerator(outputDir string) *Generator {
	return &Generator{outputDir: outputDir, now: time.Now}
}

// criterionRow is one line of the per-criterion summary.
type criterionRow struct {
	Criterion   string
	Score       float64
	SuccessRate float64
	Questions   int
	Successful  int
}

// Generate writes the JSON, CSV and HTML reports for one evaluation and
// returns the paths of the files written.
func (g *Generator) Generate(ctx context.Context, id string, results *model.EvaluationResults) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("report generation: %w", err)
	}
	if err := os.MkdirAll(g.outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create report directory: %w", err)
	}

	stamp := g.now().Format("20060102_150405")
	base := fmt.Sprintf("evaluation_%s_%s", id, stamp)
	rows := criteriaRows(results)

	jsonPath := filepath.Join(g.outputDir, base+".json")
	if err := writeJSON(jsonPath, results); err != nil {
		return nil, err
	}
	csvPath := filepath.Join(g.outputDir, base+".csv")
	if err := writeCSV(csvPath, rows); err != nil {
		return nil, err
	}
	htmlPath := filepath.Join(g.outputDir, base+".html")
	if err := g.writeHTML(htmlPath, id, results, rows); err != nil {
		return nil, err
	}

	paths := []string{jsonPath, csvPath, htmlPath}
	slog.Info("reports written", "evaluation_id", id, "files", len(paths))
	return paths, nil
}

// criteriaRows converts the per-criterion stats into summary rows in the
// catalog's criterion order, with any extra criteria appended after.
func criteriaRows(results *model.EvaluationResults) []criterionRow {
	ordered := make([]model.Criterion, 0, len(results.CriteriaScores))
	seen := make(map[model.Criterion]bool)
	for _, c := range model.Criteria() {
		if _, ok := results.CriteriaScores[c]; ok {
			ordered = append(ordered, c)
			seen[c] = true
		}
	}
	for c := range results.CriteriaScores {
		if !seen[c] {
			ordered = append(ordered, c)
		}
	}

	rows := make([]criterionRow, 0, len(ordered))
	for _, c := range ordered {
		stats := results.CriteriaScores[c]
		row := criterionRow{
			Criterion:  string(c),
			Questions:  stats.QuestionsCount,
			Successful: stats.SuccessCount,
		}
		if stats.Total > 0 {
			row.Score = stats.Score / stats.Total * 100
		}
		if stats.QuestionsCount > 0 {
			row.SuccessRate = float64(stats.SuccessCount) / float64(stats.QuestionsCount) * 100
		}
		rows = append(rows, row)
	}
	return rows
}

func writeJSON(path string, results *model.EvaluationResults) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	return nil
}

func writeCSV(path string, rows []criterionRow) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"Criterion", "Score", "Success_Rate", "Questions", "Successful_Responses"}); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.Criterion,
			strconv.FormatFloat(row.Score, 'f', 2, 64),
			strconv.FormatFloat(row.SuccessRate, 'f', 2, 64),
			strconv.Itoa(row.Questions),
			strconv.Itoa(row.Successful),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

var htmlReport = template.Must(template.New("report").Funcs(template.FuncMap{
	"pct": func(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) },
}).Parse(`<!DOCTYPE html>
<html>
<head>
<title>Model Evaluation Report</title>
<style>
body { font-family: Arial, sans-serif; margin: 20px; }
table { border-collapse: collapse; width: 100%; }
th, td { border: 1px solid #ddd; padding: 8px; text-align: left; }
th { background-color: #f2f2f2; }
</style>
</head>
<body>
<h1>Model Evaluation Report</h1>
<p>Evaluation {{.ID}}</p>

<h2>Summary</h2>
<ul>
<li>Total score: {{pct .Results.TotalScore}}</li>
<li>Success rate: {{pct .Results.SuccessRate}}%</li>
<li>Errors: {{.Results.ErrorCount}}</li>
</ul>

<h2>Per-criterion results</h2>
<table>
<tr><th>Criterion</th><th>Score</th><th>Success rate</th><th>Questions</th><th>Successful responses</th></tr>
{{range .Rows}}<tr><td>{{.Criterion}}</td><td>{{pct .Score}}</td><td>{{pct .SuccessRate}}</td><td>{{.Questions}}</td><td>{{.Successful}}</td></tr>
{{end}}</table>
{{if .Results.AdvancedTesting}}
<h2>Advanced metrics</h2>
<pre>{{.Advanced}}</pre>
{{end}}
</body>
</html>
`))

func (g *Generator) writeHTML(path, id string, results *model.EvaluationResults, rows []criterionRow) error {
	advanced := map[string]map[string]model.ProbeResult{}
	for c, stats := range results.CriteriaScores {
		if len(stats.AdvancedMetrics) > 0 {
			advanced[string(c)] = stats.AdvancedMetrics
		}
	}
	advancedJSON, err := json.MarshalIndent(advanced, "", "  ")
	if err != nil {
		return fmt.Errorf("encode advanced metrics: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	data := struct {
		ID       string
		Results  *model.EvaluationResults
		Rows     []criterionRow
		Advanced string
	}{ID: id, Results: results, Rows: rows, Advanced: string(advancedJSON)}

	if err := htmlReport.Execute(f, data); err != nil {
		return fmt.Errorf("render html report: %w", err)
	}
	return nil
}
