package main

import (
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"moonfield.io/internal/persistence/demfile"
	"moonfield.io/internal/sim/terrain"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "info":
			infoCmd(os.Args[2:])
			return
		case "pack":
			packCmd(os.Args[2:])
			return
		case "sample":
			sampleCmd(os.Args[2:])
			return
		case "events":
			eventsCmd(os.Args[2:])
			return
		}
	}
	fmt.Fprintln(os.Stderr, "usage: demtool info|pack|sample|events [flags]")
	os.Exit(2)
}

func infoCmd(args []string) {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	full := fs.Bool("full", false, "decode the payload and report offsets and elevation range")
	_ = fs.Parse(args)

	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: demtool info [-full] CONTAINER...")
		os.Exit(2)
	}

	for _, path := range fs.Args() {
		if !*full {
			h, err := demfile.ReadHeader(path)
			if err != nil {
				fmt.Fprintln(os.Stderr, "read header:", err)
				os.Exit(1)
			}
			printJSON(struct {
				Path           string  `json:"path"`
				Version        int     `json:"version"`
				Name           string  `json:"name"`
				Width          int     `json:"width"`
				Height         int     `json:"height"`
				MetersPerPixel float64 `json:"meters_per_pixel"`
				HasMask        bool    `json:"has_mask"`
			}{path, h.Version, h.Name, h.Width, h.Height, h.MetersPerPixel, h.HasMask})
			continue
		}

		t, err := demfile.Read(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read:", err)
			os.Exit(1)
		}
		min, max := elevationRange(t.Elevations)
		printJSON(struct {
			Path           string  `json:"path"`
			Version        int     `json:"version"`
			Name           string  `json:"name"`
			Width          int     `json:"width"`
			Height         int     `json:"height"`
			MetersPerPixel float64 `json:"meters_per_pixel"`
			HasMask        bool    `json:"has_mask"`
			OffsetX        float64 `json:"offset_x"`
			OffsetY        float64 `json:"offset_y"`
			MinElevation   float64 `json:"min_elevation"`
			MaxElevation   float64 `json:"max_elevation"`
		}{path, t.Header.Version, t.Header.Name, t.Header.Width, t.Header.Height,
			t.Header.MetersPerPixel, t.Header.HasMask, t.OffsetX, t.OffsetY, min, max})
	}
}

func packCmd(args []string) {
	fs := flag.NewFlagSet("pack", flag.ExitOnError)
	name := fs.String("name", "", "terrain name stored in the header (default: output base name)")
	width := fs.Int("width", 0, "grid width in samples")
	height := fs.Int("height", 0, "grid height in samples")
	mpp := fs.Float64("mpp", 1, "meters per pixel")
	offsetX := fs.Float64("offset_x", 0, "world-to-pixel origin offset, x")
	offsetY := fs.Float64("offset_y", 0, "world-to-pixel origin offset, y")
	maskPath := fs.String("mask", "", "raw float32 mask grid with the same shape (optional)")
	out := fs.String("out", "", "output container path (default: <raw>.dem.zst)")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: demtool pack -width W -height H [-mpp M] RAW_F32LE")
		os.Exit(2)
	}
	if *width <= 0 || *height <= 0 {
		fmt.Fprintln(os.Stderr, "missing -width/-height")
		os.Exit(2)
	}

	rawPath := fs.Arg(0)
	elevs, err := readRawF32(rawPath, *width, *height)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read grid:", err)
		os.Exit(1)
	}

	var mask []float32
	if strings.TrimSpace(*maskPath) != "" {
		mask, err = readRawF32(*maskPath, *width, *height)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read mask:", err)
			os.Exit(1)
		}
	}

	outPath := strings.TrimSpace(*out)
	if outPath == "" {
		outPath = strings.TrimSuffix(rawPath, filepath.Ext(rawPath)) + ".dem.zst"
	}
	nm := strings.TrimSpace(*name)
	if nm == "" {
		nm = strings.TrimSuffix(filepath.Base(outPath), ".dem.zst")
	}

	t := demfile.TerrainV1{
		Header: demfile.Header{
			Version:        demfile.Version,
			Name:           nm,
			Width:          *width,
			Height:         *height,
			MetersPerPixel: *mpp,
			HasMask:        len(mask) > 0,
		},
		OffsetX:    *offsetX,
		OffsetY:    *offsetY,
		Elevations: elevs,
		Mask:       mask,
	}
	if err := demfile.Write(outPath, t); err != nil {
		fmt.Fprintln(os.Stderr, "write container:", err)
		os.Exit(1)
	}
	fmt.Printf("pack ok: out=%s name=%s size=%dx%d mpp=%g mask=%v\n",
		outPath, nm, *width, *height, *mpp, len(mask) > 0)
}

func sampleCmd(args []string) {
	fs := flag.NewFlagSet("sample", flag.ExitOnError)
	container := fs.String("terrain", "", "container path (required)")
	mode := fs.String("mode", "bilinear", "interpolation mode: bilinear|bicubic")
	withNormals := fs.Bool("normals", false, "include surface normals")
	withMask := fs.Bool("mask", false, "include mask values")
	_ = fs.Parse(args)

	if strings.TrimSpace(*container) == "" {
		fmt.Fprintln(os.Stderr, "missing -terrain")
		os.Exit(2)
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: demtool sample -terrain CONTAINER [-mode bilinear|bicubic] X,Y ...")
		os.Exit(2)
	}

	m, err := terrain.ParseMode(*mode)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad -mode:", err)
		os.Exit(2)
	}

	pts := make([]terrain.Point, 0, fs.NArg())
	for _, arg := range fs.Args() {
		p, err := parsePoint(arg)
		if err != nil {
			fmt.Fprintln(os.Stderr, "bad point:", err)
			os.Exit(2)
		}
		pts = append(pts, p)
	}

	sampler, err := openSampler(*container)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open terrain:", err)
		os.Exit(1)
	}

	elevs, err := sampler.Sample(pts, m)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sample:", err)
		os.Exit(1)
	}

	var normals []terrain.Vec3
	if *withNormals {
		normals, err = sampler.Normals(pts)
		if err != nil {
			fmt.Fprintln(os.Stderr, "normals:", err)
			os.Exit(1)
		}
	}
	var maskVals []float64
	if *withMask {
		maskVals = sampler.MaskAt(pts)
	}

	for i, p := range pts {
		row := struct {
			X         float64     `json:"x"`
			Y         float64     `json:"y"`
			Elevation float64     `json:"elevation"`
			Normal    *[3]float64 `json:"normal,omitempty"`
			Mask      *float64    `json:"mask,omitempty"`
		}{X: p.X, Y: p.Y, Elevation: elevs[i]}
		if normals != nil {
			row.Normal = &[3]float64{normals[i].X, normals[i].Y, normals[i].Z}
		}
		if maskVals != nil {
			row.Mask = &maskVals[i]
		}
		printJSON(row)
	}
}

func openSampler(path string) (*terrain.Sampler, error) {
	t, err := demfile.Read(path)
	if err != nil {
		return nil, err
	}
	dem, err := terrain.NewDEM(t.Header.Width, t.Header.Height, t.Header.MetersPerPixel, t.Elevations)
	if err != nil {
		return nil, err
	}
	dem.OffsetX = t.OffsetX
	dem.OffsetY = t.OffsetY

	var mask *terrain.Mask
	if t.Header.HasMask {
		mask, err = terrain.NewMask(t.Header.Width, t.Header.Height, t.Mask)
		if err != nil {
			return nil, err
		}
	}
	store, err := terrain.NewStore(t.Header.Name, dem, mask)
	if err != nil {
		return nil, err
	}
	return terrain.NewSampler(store, 0)
}

func readRawF32(path string, width, height int) ([]float32, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	want := width * height * 4
	if len(raw) != want {
		return nil, fmt.Errorf("%s: %d bytes for a %dx%d float32 grid (want %d)",
			filepath.Base(path), len(raw), width, height, want)
	}
	out := make([]float32, width*height)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}

func elevationRange(vals []float32) (min, max float64) {
	if len(vals) == 0 {
		return 0, 0
	}
	min, max = float64(vals[0]), float64(vals[0])
	for _, v := range vals[1:] {
		f := float64(v)
		if f < min {
			min = f
		}
		if f > max {
			max = f
		}
	}
	return min, max
}

func parsePoint(s string) (terrain.Point, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 2 {
		return terrain.Point{}, fmt.Errorf("%q: expected x,y", s)
	}
	x, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return terrain.Point{}, err
	}
	y, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return terrain.Point{}, err
	}
	return terrain.Point{X: x, Y: y}, nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
