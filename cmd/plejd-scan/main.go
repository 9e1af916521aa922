// Command plejd-scan lists the Plejd devices in radio range, strongest
// signal first. Use it to check that the adapter works and the mesh is
// reachable before starting the bridge.
//
// Usage:
//
//	go run ./cmd/plejd-scan [--adapter hci0] [--timeout 10s]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/chaz8081/plejd-mqtt/internal/ble"
)

func main() {
	adapter := flag.String("adapter", "", "bluetooth adapter id, e.g. hci0 (linux only)")
	timeout := flag.Duration("timeout", 10*time.Second, "how long to listen for advertisements")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Printf("Scanning for Plejd devices for %v...\n", *timeout)
	devices, err := ble.ScanForDevices(ctx, ble.NewTinygoAdapter(*adapter), *timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(devices) == 0 {
		fmt.Println("No Plejd devices found.")
		return
	}

	best, _ := ble.StrongestSignal(devices)
	for _, d := range devices {
		marker := " "
		if d.MAC == best.MAC {
			marker = "*"
		}
		fmt.Printf("%s %-17s %4d dBm  %s\n", marker, d.MAC, d.RSSI, d.Name)
	}
	fmt.Printf("\n%d device(s); * marks the one the bridge would pick.\n", len(devices))
}
