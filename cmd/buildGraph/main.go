package main

import (
	"flag"
	"fmt"
	"image/color"
	"os"
	"strconv"

	"github.com/sugawarayuuta/sonnet"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/i5heu/diffusebag/pkg/bag"
	"github.com/i5heu/diffusebag/pkg/bucketstore"
)

// report is the part of a bagsim output file this tool reads.
type report struct {
	Snapshot bag.Snapshot `json:"snapshot"`
}

// bucketTicks labels bucket indexes with the lower priority bound of the bucket.
type bucketTicks struct {
	levels int
	every  int
}

func (bt bucketTicks) Ticks(min, max float64) []plot.Tick {
	var ticks []plot.Tick
	for i := 0; i <= bt.levels; i += bt.every {
		pos := float64(i)
		if pos < min || pos > max {
			continue
		}
		ticks = append(ticks, plot.Tick{
			Value: pos,
			Label: strconv.FormatFloat(float64(i)/float64(bt.levels), 'f', 2, 64),
		})
	}
	return ticks
}

func main() {
	jsonFile := flag.String("jsonfile", "snapshot.json", "Path to a bagsim snapshot file")
	outputPrefix := flag.String("out", "bag_graph", "Output graph image filename prefix")
	flag.Parse()

	data, err := os.ReadFile(*jsonFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading JSON file: %v\n", err)
		os.Exit(1)
	}

	var rep report
	if err := sonnet.Unmarshal(data, &rep); err != nil {
		fmt.Fprintf(os.Stderr, "Error unmarshalling JSON: %v\n", err)
		os.Exit(1)
	}

	stages := []struct {
		name string
		snap bucketstore.Snapshot
	}{
		{"main", rep.Snapshot.Main},
		{"staging", rep.Snapshot.Staging},
	}
	for _, st := range stages {
		if len(st.snap.Counts) == 0 {
			fmt.Fprintf(os.Stderr, "Skipping %s: no buckets in snapshot\n", st.name)
			continue
		}
		filename := fmt.Sprintf("%s_%s.png", *outputPrefix, st.name)
		if err := renderStage(st.name, st.snap, filename); err != nil {
			fmt.Fprintf(os.Stderr, "Error rendering %s: %v\n", st.name, err)
			continue
		}
		fmt.Printf("Graph for %s (%d items) saved to %s\n", st.name, st.snap.Total(), filename)
	}
}

// renderStage draws bucket occupancy above the average priority per bucket
// and writes both as one PNG.
func renderStage(name string, snap bucketstore.Snapshot, filename string) error {
	levels := len(snap.Counts)
	ticks := bucketTicks{levels: levels, every: max(1, levels/10)}

	counts, err := countsPlot(name, snap, ticks)
	if err != nil {
		return err
	}
	avg, err := averagePlot(snap, ticks)
	if err != nil {
		return err
	}

	const width, height = 12 * vg.Inch, 9 * vg.Inch
	img := vgimg.New(width, height)
	dc := draw.New(img)
	dc.SetColor(background)
	dc.Fill(dc.Rectangle.Path())

	tiles := draw.Tiles{
		Rows: 2,
		Cols: 1,
		PadX: vg.Millimeter,
		PadY: 4 * vg.Millimeter,
	}
	plots := [][]*plot.Plot{{counts}, {avg}}
	canvases := plot.Align(plots, tiles, dc)
	for j := range plots {
		for i := range plots[j] {
			plots[j][i].Draw(canvases[j][i])
		}
	}

	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := (vgimg.PngCanvas{Canvas: img}).WriteTo(f); err != nil {
		return err
	}
	return f.Close()
}

func countsPlot(name string, snap bucketstore.Snapshot, ticks bucketTicks) (*plot.Plot, error) {
	p := plot.New()
	applyDarkTheme(p)
	p.Title.Text = fmt.Sprintf("Bucket occupancy of %s stage (%d items in %d buckets)", name, snap.Total(), len(snap.Counts))
	p.X.Label.Text = "Bucket (lower priority bound)"
	p.Y.Label.Text = "Items"
	p.X.Tick.Marker = ticks
	p.Add(plotter.NewGrid())

	values := make(plotter.Values, len(snap.Counts))
	for i, c := range snap.Counts {
		values[i] = float64(c)
	}
	barWidth := vg.Points(max(1, 600/float64(len(values))))
	bars, err := plotter.NewBarChart(values, barWidth)
	if err != nil {
		return nil, err
	}
	bars.Color = plotutil.SoftColors[0]
	bars.LineStyle.Width = 0
	p.Add(bars)
	return p, nil
}

func averagePlot(snap bucketstore.Snapshot, ticks bucketTicks) (*plot.Plot, error) {
	p := plot.New()
	applyDarkTheme(p)
	p.Title.Text = "Average priority per bucket"
	p.X.Label.Text = "Bucket (lower priority bound)"
	p.Y.Label.Text = "Average priority"
	p.X.Tick.Marker = ticks
	p.X.Min = 0
	p.X.Max = float64(len(snap.Counts))
	p.Y.Min = 0
	p.Y.Max = 1
	p.Add(plotter.NewGrid())

	// Empty buckets carry no average and are left out.
	var xys plotter.XYs
	for i, c := range snap.Counts {
		if c == 0 {
			continue
		}
		xys = append(xys, plotter.XY{X: float64(i), Y: snap.AvgPriority[i]})
	}
	if len(xys) == 0 {
		return p, nil
	}
	line, err := plotter.NewLine(xys)
	if err != nil {
		return nil, err
	}
	line.Color = plotutil.SoftColors[1]
	points, err := plotter.NewScatter(xys)
	if err != nil {
		return nil, err
	}
	points.GlyphStyle.Radius = vg.Points(2)
	points.Color = plotutil.SoftColors[1]
	points.Shape = draw.CircleGlyph{}
	p.Add(line, points)
	return p, nil
}

var background = color.RGBA{R: 30, G: 30, B: 30, A: 255}

func applyDarkTheme(p *plot.Plot) {
	p.BackgroundColor = background
	white := color.RGBA{R: 255, G: 255, B: 255, A: 255}
	p.Title.TextStyle.Color = white
	p.X.Label.TextStyle.Color = white
	p.Y.Label.TextStyle.Color = white
	p.X.Color = white
	p.Y.Color = white
	p.X.Tick.Label.Color = white
	p.Y.Tick.Label.Color = white
	p.Legend.TextStyle.Color = white
}
