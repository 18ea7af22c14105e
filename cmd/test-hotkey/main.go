// Command test-hotkey is a manual test for the ACK/SOS hotkey listener.
// Run it, then press Ctrl+Shift+A or Ctrl+Shift+S to see events.
// Press Ctrl+C to exit.
//
// Usage:
//
//	go run ./cmd/test-hotkey [--ack ctrl+shift+a] [--sos ctrl+shift+s]
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/smarthelmet/helmet-link/internal/hotkey"
)

func main() {
	ack := flag.String("ack", "ctrl+shift+a", "ACK key combo")
	sos := flag.String("sos", "ctrl+shift+s", "SOS key combo")
	flag.Parse()

	listener, err := hotkey.NewListener(
		hotkey.Binding{Action: hotkey.ActionAck, Keys: strings.Split(*ack, "+")},
		hotkey.Binding{Action: hotkey.ActionSos, Keys: strings.Split(*sos, "+")},
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("Listening for ACK=%s and SOS=%s...\n", *ack, *sos)
	fmt.Println("Press Ctrl+C to exit.")

	// Handle Ctrl+C
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		fmt.Println("\nShutting down...")
		listener.Stop()
	}()

	// Read events
	go func() {
		for ev := range listener.Events() {
			switch ev.Action {
			case hotkey.ActionAck:
				fmt.Println(">>> ACK (rider is fine)")
			case hotkey.ActionSos:
				fmt.Println("!!! SOS (rider needs help)")
			}
		}
		fmt.Println("Event channel closed.")
	}()

	// Blocks until stopped
	listener.Start()
	fmt.Println("Done.")
}
