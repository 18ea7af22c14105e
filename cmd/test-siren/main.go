// Command test-siren is a manual test for the impact siren. It plays the
// built-in tone, or a WAV file, for a few seconds.
//
// Usage:
//
//	go run ./cmd/test-siren [--wav path/to/siren.wav] [--for 3s]
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/smarthelmet/helmet-link/internal/audio"
)

func main() {
	wavPath := flag.String("wav", "", "WAV file to play instead of the built-in tone")
	dur := flag.Duration("for", 3*time.Second, "how long to play")
	flag.Parse()

	clip := audio.DefaultTone()
	if *wavPath != "" {
		c, err := audio.LoadWAV(*wavPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		clip = c
	}
	fmt.Printf("Clip: %d samples at %d Hz\n", len(clip.Samples), clip.SampleRate)

	siren, err := audio.NewSiren(clip)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer siren.Close()

	if err := siren.Start(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("Playing for %s...\n", *dur)
	time.Sleep(*dur)
	siren.Stop()
	fmt.Println("Done.")
}
