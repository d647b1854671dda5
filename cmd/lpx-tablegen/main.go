// Command lpx-tablegen writes a scan table calibration file that
// lpx-server and lpx-client load at startup.
package main

import (
	"flag"
	"log"
	"os"

	"github.com/fxamacker/cbor/v2"

	"lpx-stream-go/internal/lpx"
)

func main() {
	var (
		out          = flag.String("out", "scan_tables", "Output calibration file")
		spiralPeriod = flag.Int("spiral-period", 180, "Cells per ring")
		maxCells     = flag.Int("max-cells", 6000, "Total cell count including the fovea")
		mapWidth     = flag.Int("map-width", 600, "Mapped radius in source pixels")
		asCBOR       = flag.Bool("cbor", false, "Write the CBOR calibration format instead of binary")
	)
	flag.Parse()

	data := lpx.EncodeCalibration(*spiralPeriod, *maxCells, *mapWidth)
	if *asCBOR {
		var err error
		data, err = cbor.Marshal(map[string]int{
			"spiral_period": *spiralPeriod,
			"max_cells":     *maxCells,
			"map_width":     *mapWidth,
		})
		if err != nil {
			log.Fatalf("failed to encode calibration: %v", err)
		}
	}

	// Round-trip through the parser so a broken calibration never
	// reaches disk.
	table, err := lpx.ParseTable(data)
	if err != nil {
		log.Fatalf("invalid calibration: %v", err)
	}

	if err := os.WriteFile(*out, data, 0o644); err != nil {
		log.Fatalf("failed to write %s: %v", *out, err)
	}
	log.Printf("wrote %s: spiral period %d, %d cells, map width %d",
		*out, table.SpiralPeriod, table.MaxCells, table.MapWidth)
}
