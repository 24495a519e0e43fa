// Package plot renders scenario comparisons as line charts and text tables.
package plot

import (
	"fmt"
	"image/color"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"hpvscreen/internal/engine"
)

// DefaultSkip drops the burn-in years at the start of each series.
const DefaultSkip = 50

var (
	baseColor   = color.RGBA{R: 0x1f, G: 0x77, B: 0xb4, A: 0xff}
	secondColor = color.RGBA{R: 0xff, A: 0xff}
)

// Line is one labelled series sliced for display.
type Line struct {
	Label string
	X     []float64
	Y     []float64
}

// Lines slices the year axis and the named outcome of each result from index skip.
// labels must match results one to one.
func Lines(what string, skip int, results []*engine.Result, labels []string) ([]Line, error) {
	if len(results) == 0 {
		return nil, fmt.Errorf("no results to compare")
	}
	if len(labels) != len(results) {
		return nil, fmt.Errorf("got %d labels for %d results", len(labels), len(results))
	}
	if skip < 0 {
		return nil, fmt.Errorf("skip must be non-negative, got %d", skip)
	}

	lines := make([]Line, 0, len(results))
	var axisLen int
	for i, res := range results {
		years, err := res.Get(engine.SeriesYear)
		if err != nil {
			return nil, fmt.Errorf("result %d: %w", i, err)
		}
		values, err := res.Get(what)
		if err != nil {
			return nil, fmt.Errorf("result %d: %w", i, err)
		}
		if len(values) != len(years) {
			return nil, fmt.Errorf("result %d: %s has %d points but year has %d", i, what, len(values), len(years))
		}
		if i == 0 {
			axisLen = len(years)
		} else if len(years) != axisLen {
			return nil, fmt.Errorf("result %d: %d years, first result has %d", i, len(years), axisLen)
		}
		if skip >= len(years) {
			return nil, fmt.Errorf("skip %d leaves nothing of %d points", skip, len(years))
		}
		lines = append(lines, Line{Label: labels[i], X: years[skip:], Y: values[skip:]})
	}
	return lines, nil
}

// CompareOptions configures a comparison chart.
type CompareOptions struct {
	What    string
	Skip    int
	Results []*engine.Result
	Labels  []string
	Out     string
	Width   vg.Length
	Height  vg.Length
}

// Compare draws the named outcome of each result against year and saves it to Out.
// The format follows the extension: .png, .svg or .pdf.
func Compare(opts CompareOptions) error {
	switch strings.ToLower(filepath.Ext(opts.Out)) {
	case ".png", ".svg", ".pdf":
	case "":
		return fmt.Errorf("output path is required")
	default:
		return fmt.Errorf("unsupported plot format %q (use .png, .svg or .pdf)", filepath.Ext(opts.Out))
	}
	lines, err := Lines(opts.What, opts.Skip, opts.Results, opts.Labels)
	if err != nil {
		return err
	}

	p := plot.New()
	p.Title.Text = opts.What
	p.X.Label.Text = "year"
	p.Y.Label.Text = opts.What
	p.Legend.Top = true

	for i, line := range lines {
		pts := make(plotter.XYs, len(line.X))
		for j := range line.X {
			pts[j].X = line.X[j]
			pts[j].Y = line.Y[j]
		}
		l, err := plotter.NewLine(pts)
		if err != nil {
			return fmt.Errorf("line %s: %w", line.Label, err)
		}
		l.Width = vg.Points(1.5)
		l.Color = lineColor(i)
		p.Add(l)
		p.Legend.Add(line.Label, l)
	}

	width, height := opts.Width, opts.Height
	if width == 0 {
		width = 8 * vg.Inch
	}
	if height == 0 {
		height = 5 * vg.Inch
	}
	if err := p.Save(width, height, opts.Out); err != nil {
		return fmt.Errorf("save plot: %w", err)
	}
	return nil
}

func lineColor(i int) color.Color {
	switch i {
	case 0:
		return baseColor
	case 1:
		return secondColor
	default:
		return plotutil.Color(i)
	}
}

// Table writes the compared series as aligned columns: year, then one column per line.
func Table(w io.Writer, lines []Line) error {
	if len(lines) == 0 {
		return fmt.Errorf("no lines to print")
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	header := []string{"year"}
	for _, line := range lines {
		header = append(header, line.Label)
	}
	fmt.Fprintln(tw, strings.Join(header, "\t")+"\t")
	for j, year := range lines[0].X {
		row := []string{fmt.Sprintf("%.0f", year)}
		for _, line := range lines {
			row = append(row, fmt.Sprintf("%.4g", line.Y[j]))
		}
		fmt.Fprintln(tw, strings.Join(row, "\t")+"\t")
	}
	return tw.Flush()
}
