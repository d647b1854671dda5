package main

import (
	"context"
	"flag"
	"fmt"
	"image/png"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"lpx-stream-go/internal/client"
	"lpx-stream-go/internal/lpx"
)

func main() {
	var (
		dataAddr    = flag.String("data", "localhost:5501", "Server data address")
		controlAddr = flag.String("control", "localhost:5502", "Server control address")
		tables      = flag.String("tables", "scan_tables", "Scan table calibration file (needed for -render)")
		count       = flag.Int("count", 10, "Number of frames to receive (0 = until interrupted)")
		outDir      = flag.String("out", "", "Write received frames to this directory")
		render      = flag.Bool("render", false, "Render received frames to PNG instead of raw files")
		outWidth    = flag.Int("render-width", 640, "Rendered image width")
		outHeight   = flag.Int("render-height", 480, "Rendered image height")
		scale       = flag.Float64("render-scale", 1.0, "Rendered cell magnification")
		move        = flag.String("move", "", "Send a dx,dy re-centering command and exit")
	)
	flag.Parse()

	if *move != "" {
		dx, dy, err := parsePair(*move)
		if err != nil {
			log.Fatalf("bad -move value: %v", err)
		}
		if err := client.SendMove(*controlAddr, dx, dy); err != nil {
			log.Fatalf("failed to send command: %v", err)
		}
		log.Printf("sent move (%.1f, %.1f) to %s", dx, dy, *controlAddr)
		return
	}

	var table *lpx.ScanTable
	if *render {
		var err error
		table, err = lpx.LoadTable(*tables)
		if err != nil {
			log.Fatalf("failed to load scan tables from %s: %v", *tables, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := client.Dial(*dataAddr)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer c.Close()
	go func() {
		<-ctx.Done()
		_ = c.Close()
	}()
	log.Printf("connected to %s", *dataAddr)

	received := 0
	for im := range c.Frames(ctx) {
		log.Printf("frame %d: %d cells, center (%d, %d), source %dx%d",
			received, im.Length(), im.CenterX, im.CenterY, im.SourceWidth, im.SourceHeight)
		if *outDir != "" {
			if err := saveFrame(*outDir, received, im, table, *render, *outWidth, *outHeight, *scale); err != nil {
				log.Fatalf("failed to save frame %d: %v", received, err)
			}
		}
		received++
		if *count > 0 && received >= *count {
			break
		}
	}
	log.Printf("received %d frames", received)
}

func saveFrame(dir string, index int, im *lpx.Image, table *lpx.ScanTable, render bool, width, height int, scale float64) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if !render {
		return lpx.WriteFile(filepath.Join(dir, fmt.Sprintf("frame_%05d.lpx", index)), im)
	}

	raster, err := lpx.Render(im, width, height, scale, table)
	if err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(dir, fmt.Sprintf("frame_%05d.png", index)))
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, raster)
}

func parsePair(raw string) (float64, float64, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected dx,dy, got %q", raw)
	}
	dx, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, err
	}
	dy, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, err
	}
	return dx, dy, nil
}
