package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lpx-stream-go/internal/config"
	"lpx-stream-go/internal/framesource"
	"lpx-stream-go/internal/lpx"
	"lpx-stream-go/internal/server"
)

func main() {
	var (
		dataPort    = flag.Int("data-port", 5501, "TCP port for the frame stream")
		controlPort = flag.Int("control-port", 5502, "TCP port for re-centering commands")
		webPort     = flag.Int("web-port", 8080, "HTTP port for the websocket gateway (0 disables)")
		tables      = flag.String("tables", "scan_tables", "Scan table calibration file")
		width       = flag.Int("width", 640, "Source frame width")
		height      = flag.Int("height", 480, "Source frame height")
		fps         = flag.Float64("fps", 30, "Target frames per second")
		loop        = flag.Bool("loop", false, "Restart a finite source at end of stream")
		framesDir   = flag.String("frames-dir", "", "Stream image files from this directory")
		endpoint    = flag.String("endpoint", "", "ZMQ endpoint of an external capture process")
		debug       = flag.Bool("debug", false, "Run with a synthetic test pattern")
		minInterval = flag.Duration("command-min-interval", 100*time.Millisecond, "Minimum interval between accepted commands per sender")
		buffer      = flag.Int("session-buffer", 3, "Frames buffered per viewer before dropping")
	)
	flag.Parse()

	cfg := config.AppConfig{
		DataPort:           *dataPort,
		ControlPort:        *controlPort,
		WebPort:            *webPort,
		ScanTables:         *tables,
		Width:              *width,
		Height:             *height,
		FPS:                *fps,
		Loop:               *loop,
		CommandMinInterval: *minInterval,
		SessionBuffer:      *buffer,
	}

	table, err := lpx.LoadTable(cfg.ScanTables)
	if err != nil {
		log.Fatalf("failed to load scan tables from %s: %v", cfg.ScanTables, err)
	}
	log.Printf("scan tables loaded: spiral period %d, %d cells, map width %d",
		table.SpiralPeriod, table.MaxCells, table.MapWidth)

	var source framesource.Source
	switch {
	case *debug:
		source = framesource.NewSynthetic(cfg.Width, cfg.Height)
	case *framesDir != "":
		source, err = framesource.NewDirectory(*framesDir, cfg.Width, cfg.Height)
		if err != nil {
			log.Fatalf("failed to open frame directory: %v", err)
		}
	case *endpoint != "":
		source, err = framesource.NewZMQ(*endpoint, cfg.Width, cfg.Height)
		if err != nil {
			log.Fatalf("failed to connect to %s: %v", *endpoint, err)
		}
	default:
		log.Fatalf("no frame source: pass -debug, -frames-dir, or -endpoint")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(table, cfg)
	if err := srv.Start(source); err != nil {
		log.Fatalf("failed to start server: %v", err)
	}

	select {
	case <-ctx.Done():
		srv.Stop()
	case <-srv.Done():
	}
}
