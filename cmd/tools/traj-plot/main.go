// Command traj-plot renders the XY trajectory of a stored estimator run
// as a PNG, with the final landmark map overlaid as a scatter.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/trajectory.report/internal/vio/storage/sqlite"
)

var (
	dbPath  = flag.String("db", "vio.db", "Trajectory sqlite store")
	runID   = flag.String("run", "", "Run id to plot (default: most recent)")
	outPath = flag.String("out", "trajectory.png", "Output PNG path")
)

func main() {
	flag.Parse()

	store, err := sqlite.Open(*dbPath)
	if err != nil {
		log.Fatalf("opening store: %v", err)
	}
	defer store.Close()

	id := *runID
	if id == "" {
		runs, err := store.ListRuns()
		if err != nil {
			log.Fatalf("listing runs: %v", err)
		}
		if len(runs) == 0 {
			log.Fatal("store has no runs")
		}
		id = runs[0].RunID
	}

	poses, err := store.ListPoses(id)
	if err != nil {
		log.Fatalf("loading poses: %v", err)
	}
	if len(poses) == 0 {
		log.Fatalf("run %s has no poses", id)
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Estimated trajectory (%s)", id)
	p.X.Label.Text = "x (m)"
	p.Y.Label.Text = "y (m)"

	pts := make(plotter.XYs, 0, len(poses))
	for _, pose := range poses {
		pts = append(pts, plotter.XY{X: pose.PX, Y: pose.PY})
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		log.Fatalf("building trajectory line: %v", err)
	}
	line.Width = vg.Points(1.5)
	p.Add(line)
	p.Legend.Add("trajectory", line)

	var landmarks plotter.XYs
	rows, err := store.Query(`SELECT x, y FROM vio_landmark WHERE run_id = ?`, id)
	if err != nil {
		log.Fatalf("loading landmarks: %v", err)
	}
	for rows.Next() {
		var x, y float64
		if err := rows.Scan(&x, &y); err != nil {
			rows.Close()
			log.Fatalf("scanning landmark: %v", err)
		}
		landmarks = append(landmarks, plotter.XY{X: x, Y: y})
	}
	rows.Close()

	if len(landmarks) > 0 {
		scatter, err := plotter.NewScatter(landmarks)
		if err != nil {
			log.Fatalf("building landmark scatter: %v", err)
		}
		scatter.GlyphStyle.Radius = vg.Points(1.5)
		p.Add(scatter)
		p.Legend.Add("landmarks", scatter)
	}

	if err := p.Save(8*vg.Inch, 8*vg.Inch, *outPath); err != nil {
		log.Fatalf("saving plot: %v", err)
	}

	run, err := store.GetRun(id)
	if err != nil {
		log.Fatalf("run summary: %v", err)
	}
	fmt.Fprintf(os.Stdout, "wrote %s: %d poses, %.1f m traveled\n",
		*outPath, run.PoseCount, run.DistanceMeters)
}
