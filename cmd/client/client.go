// Command client is a minimal websocket viewer for smoke testing a
// running panorama server: it prints a one-line summary per spectrum
// frame and exits after a fixed number of frames.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/url"

	"github.com/gorilla/websocket"
)

var (
	addr   = flag.String("addr", "localhost:8080", "Server address")
	frames = flag.Int("frames", 50, "Frames to read before exiting")
)

func main() {
	flag.Parse()

	u := url.URL{Scheme: "ws", Host: *addr, Path: "/ws/spectrum"}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer c.Close()

	var msg struct {
		Type            string    `json:"type"`
		Message         string    `json:"message"`
		Frequencies     []float64 `json:"frequencies"`
		Magnitudes      []float64 `json:"magnitudes"`
		CenterFrequency float64   `json:"center_frequency"`
	}

	for i := 0; i < *frames; i++ {
		if err := c.ReadJSON(&msg); err != nil {
			log.Fatal("read:", err)
		}
		switch msg.Type {
		case "spectrum":
			peak, peakFreq := -999.0, 0.0
			for j, m := range msg.Magnitudes {
				if m > peak {
					peak, peakFreq = m, msg.Frequencies[j]
				}
			}
			fmt.Printf("frame %d: center %.3f MHz, %d points, peak %.1f dB at %.3f MHz\n",
				i, msg.CenterFrequency/1e6, len(msg.Magnitudes), peak, peakFreq/1e6)
		case "error":
			log.Fatalf("session error: %s", msg.Message)
		}
	}
}
