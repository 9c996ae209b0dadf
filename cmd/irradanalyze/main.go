// irradanalyze post-processes recorded irradiation sessions.  It is a
// pure consumer of the session file pairs irradsrv writes; nothing in
// here talks to hardware.
package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"strings"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/theckman/yacspin"

	"github.com/silab-bonn/irradgo/recorder"
	"github.com/silab-bonn/irradgo/scan"
)

// Version is the version number.  Typically injected via ldflags with git build
var Version = "1"

func usage() {
	str := `irradanalyze derives reports from recorded irradiation sessions.

Usage:
	irradanalyze [flags] <session-base> [<session-base> ...]

A session base is the shared path prefix of a .yaml/.jsonl pair, e.g.
sessions/session_2026-08-30_14-00-00.

Flags:
	-mode damage       per-cell fluence map (FITS) + beam report (default)
	-mode calibration  beam-current statistics for calibration cross checks
	-mode multipart    sum the fluence maps of several sessions of one sample
	-version           print the version and exit`
	fmt.Println(str)
}

func main() {
	mode := flag.String("mode", "damage", "damage, calibration or multipart")
	version := flag.Bool("version", false, "print the version and exit")
	flag.Usage = usage
	flag.Parse()
	if *version {
		fmt.Printf("irradanalyze version %v\n", Version)
		return
	}
	bases := flag.Args()
	if len(bases) == 0 {
		usage()
		os.Exit(2)
	}

	spin := newSpinner()
	spin.Start()
	var err error
	switch strings.ToLower(*mode) {
	case "damage":
		for _, base := range bases {
			spin.Message("fluence map for " + base)
			if err = damage(base); err != nil {
				break
			}
		}
	case "calibration":
		for _, base := range bases {
			spin.Message("calibration statistics for " + base)
			if err = calibration(base); err != nil {
				break
			}
		}
	case "multipart":
		spin.Message(fmt.Sprintf("aggregating %d sessions", len(bases)))
		err = multipart(bases)
	default:
		spin.Stop()
		log.Fatalf("unknown mode %q", *mode)
	}
	if err != nil {
		spin.StopFail()
		log.Fatal(err)
	}
	spin.Stop()
}

func newSpinner() *yacspin.Spinner {
	spin, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " irradanalyze",
		SuffixAutoColon:   true,
		StopCharacter:     "✓",
		StopFailCharacter: "✗",
		StopColors:        []string{"fgGreen"},
	})
	if err != nil {
		log.Fatal(err)
	}
	return spin
}

// grid flattens the reconstructed per-cell fluence into row-major order
func grid(l *recorder.Loaded) ([]float64, scan.Geometry) {
	g := l.Meta.Geometry
	data := make([]float64, g.Rows*g.Cols)
	for r := 0; r < g.Rows; r++ {
		for c := 0; c < g.Cols; c++ {
			data[r*g.Cols+c] = l.CellFluence(r, c)
		}
	}
	return data, g
}

// beamStats summarizes the reading stream of a session
type beamStats struct {
	n          int
	degenerate int

	mean, min, max, sigmaMean float64
	hShift, vShift            float64
}

func stats(l *recorder.Loaded) beamStats {
	s := beamStats{min: math.Inf(1), max: math.Inf(-1)}
	for _, r := range l.Readings {
		s.n++
		if r.Degenerate {
			s.degenerate++
			continue
		}
		i := r.Current.Nominal
		s.mean += i
		s.sigmaMean += r.Current.Sigma
		s.hShift += r.HShift
		s.vShift += r.VShift
		if i < s.min {
			s.min = i
		}
		if i > s.max {
			s.max = i
		}
	}
	if live := s.n - s.degenerate; live > 0 {
		s.mean /= float64(live)
		s.sigmaMean /= float64(live)
		s.hShift /= float64(live)
		s.vShift /= float64(live)
	} else {
		s.min, s.max = 0, 0
	}
	return s
}

func damage(base string) error {
	l, err := recorder.Load(base)
	if err != nil {
		return err
	}
	if l.Meta.Geometry.Rows == 0 || l.Meta.Geometry.Cols == 0 {
		return fmt.Errorf("%s: no scan geometry recorded, nothing to map", base)
	}
	data, g := grid(l)
	if err := writeFluenceMap(base+"_fluencemap.fits", l, g, data); err != nil {
		return err
	}
	return writeReport(base+"_report.txt", base, l, g, data)
}

func calibration(base string) error {
	l, err := recorder.Load(base)
	if err != nil {
		return err
	}
	s := stats(l)
	f, err := os.Create(base + "_calibration.txt")
	if err != nil {
		return err
	}
	defer f.Close()
	fmt.Fprintf(f, "session        %s\n", base)
	fmt.Fprintf(f, "calibration    %s/%s lambda=%g sigma=%g\n",
		l.Meta.Calibration.Device, l.Meta.Calibration.ID,
		l.Meta.Calibration.Nominal, l.Meta.Calibration.Sigma)
	fmt.Fprintf(f, "full scale     %g nA\n", l.Meta.FullScale)
	fmt.Fprintf(f, "readings       %d (%d degenerate)\n", s.n, s.degenerate)
	fmt.Fprintf(f, "beam current   mean %.4g nA  min %.4g  max %.4g\n", s.mean, s.min, s.max)
	if s.mean != 0 {
		fmt.Fprintf(f, "rel. sigma     %.3g\n", s.sigmaMean/s.mean)
	}
	fmt.Fprintf(f, "centroid shift h %.4f  v %.4f\n", s.hShift, s.vShift)
	if l.Truncated {
		fmt.Fprintln(f, "WARNING        log truncated mid-record (crashed session)")
	}
	return nil
}

// multipart sums the fluence of several sessions irradiating the same
// sample.  All sessions must share one scan geometry.
func multipart(bases []string) error {
	var (
		total []float64
		g     scan.Geometry
		first *recorder.Loaded
	)
	for i, base := range bases {
		l, err := recorder.Load(base)
		if err != nil {
			return err
		}
		data, lg := grid(l)
		if i == 0 {
			total, g, first = data, lg, l
			continue
		}
		if lg != g {
			return fmt.Errorf("%s: geometry differs from %s, cannot aggregate", base, bases[0])
		}
		for j := range total {
			total[j] += data[j]
		}
	}
	out := bases[0] + "_multipart"
	if err := writeFluenceMap(out+"_fluencemap.fits", first, g, total); err != nil {
		return err
	}
	return writeReport(out+"_report.txt", strings.Join(bases, " + "), first, g, total)
}

// writeFluenceMap writes the grid as a 64-bit FITS image with the scan
// geometry and calibration in the header
func writeFluenceMap(path string, l *recorder.Loaded, g scan.Geometry, data []float64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	fits, err := fitsio.Create(f)
	if err != nil {
		return err
	}
	defer fits.Close()

	im := fitsio.NewImage(-64, []int{g.Cols, g.Rows})
	defer im.Close()
	cards := []fitsio.Card{
		{Name: "BUNIT", Value: "cm-2", Comment: "proton fluence per cell"},
		{Name: "NROWS", Value: g.Rows},
		{Name: "NCOLS", Value: g.Cols},
		{Name: "STEPMM", Value: g.Step, Comment: "cell pitch [mm]"},
		{Name: "ORIGINX", Value: g.OriginX, Comment: "scan origin [mm]"},
		{Name: "ORIGINY", Value: g.OriginY, Comment: "scan origin [mm]"},
		{Name: "CALDEV", Value: l.Meta.Calibration.Device},
		{Name: "CALID", Value: l.Meta.Calibration.ID},
		{Name: "LAMBDA", Value: l.Meta.Calibration.Nominal, Comment: "proportionality constant"},
		{Name: "FSCALE", Value: l.Meta.FullScale, Comment: "readout full scale [nA]"},
		{Name: "FINAL", Value: l.Meta.FinalState, Comment: "scan state at finalize"},
		{Name: "PARTIAL", Value: l.Truncated, Comment: "log truncated mid-record"},
	}
	if err := im.Header().Append(cards...); err != nil {
		return err
	}
	if err := im.Write(data); err != nil {
		return err
	}
	return fits.Write(im)
}

func writeReport(path, title string, l *recorder.Loaded, g scan.Geometry, data []float64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var (
		sum, min, max = 0.0, math.Inf(1), math.Inf(-1)
		done, skipped int
	)
	for _, v := range data {
		sum += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	for _, c := range l.Cells {
		switch c.State {
		case scan.Done:
			done++
		case scan.Skipped:
			skipped++
		}
	}
	s := stats(l)

	fmt.Fprintf(f, "session        %s\n", title)
	fmt.Fprintf(f, "grid           %d x %d cells, %.3g mm pitch, origin (%.3g, %.3g) mm\n",
		g.Rows, g.Cols, g.Step, g.OriginX, g.OriginY)
	fmt.Fprintf(f, "cells          %d done, %d skipped, %d total\n", done, skipped, g.Rows*g.Cols)
	fmt.Fprintf(f, "fluence        mean %.4g cm-2  min %.4g  max %.4g\n",
		sum/float64(len(data)), min, max)
	if max > 0 {
		fmt.Fprintf(f, "uniformity     %.3g (min/max)\n", min/max)
	}
	fmt.Fprintf(f, "beam current   mean %.4g nA over %d readings (%d degenerate)\n",
		s.mean, s.n, s.degenerate)
	if l.Truncated {
		fmt.Fprintln(f, "WARNING        log truncated mid-record; map reflects the last snapshots before the tear")
	}
	fmt.Fprintln(f)
	for r := 0; r < g.Rows; r++ {
		for c := 0; c < g.Cols; c++ {
			fmt.Fprintf(f, "%10.3e ", data[r*g.Cols+c])
		}
		fmt.Fprintln(f)
	}
	return nil
}
