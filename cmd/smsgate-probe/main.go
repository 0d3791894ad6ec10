// smsgate-probe scans serial ports and reports the IMEI of the modem
// behind each one. Use it to fill in the imei fields of the SIM card
// configuration before enabling wildcard ports, or to seed the serial
// port hints file with -hints.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pentagridsec/smsgate/internal/logging"
	"github.com/pentagridsec/smsgate/internal/modem"
	"github.com/pentagridsec/smsgate/internal/serialmap"
)

func main() {
	var (
		pattern   = flag.String("port", "/dev/ttyUSB*", "Serial port or glob pattern to scan")
		baud      = flag.Int("baud", 115200, "Baud rate")
		hintsFile = flag.String("hints", "", "Write discovered IMEI/port pairs into this hints file")
		verbose   = flag.Bool("verbose", false, "Log the probe conversation")
	)
	flag.Parse()

	level := "error"
	if *verbose {
		level = "debug"
	}
	logging.Initialize(&logging.Config{Level: level, Console: true})

	ports, err := filepath.Glob(*pattern)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Bad pattern %q: %v\n", *pattern, err)
		os.Exit(1)
	}
	if len(ports) == 0 {
		fmt.Fprintf(os.Stderr, "No ports match %q.\n", *pattern)
		os.Exit(1)
	}
	sort.Strings(ports)

	mapper := serialmap.New(*hintsFile)

	failed := 0
	for _, port := range ports {
		fmt.Printf("Probing %s ...\n", port)
		imei, err := modem.ProbeIMEI(port, *baud)
		if err != nil {
			fmt.Printf("  %v\n", err)
			failed++
			continue
		}
		fmt.Printf("  IMEI %s\n", imei)
		mapper.SetPort(imei, port)
	}

	if *hintsFile != "" {
		if err := mapper.Flush(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write hints file: %v\n", err)
			os.Exit(1)
		}
	}
	if failed == len(ports) {
		os.Exit(1)
	}
}
