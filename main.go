package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"

	"github.com/panorama/pkg/sdr"
	"github.com/panorama/pkg/sdr/hackrf"
	"github.com/panorama/pkg/sdr/pipe"
	"github.com/panorama/pkg/sdr/simulator"
	"github.com/panorama/pkg/session"
	"github.com/panorama/pkg/spectral"
)

var (
	listen       = flag.String("listen", ":8080", "HTTP listen address")
	source       = flag.String("source", "sim", "Front end to stream from: sim, pipe, hackrf")
	pipePath     = flag.String("pipe", "/tmp/panorama_iq", "FIFO or character device path for the pipe front end")
	hackrfSerial = flag.String("hackrf-serial", "", "HackRF serial when several are attached")
	points       = flag.Int("points", spectral.DefaultPointCount, "Spectrum points per frame")
	fps          = flag.Int("fps", 30, "Frame delivery cap per viewer, 0 for every block")
	queueCap     = flag.Int("queue", session.DefaultQueueCapacity, "Hand-off queue capacity in blocks")
	dataDir      = flag.String("data", "data", "Directory for recorded captures")
	simFeed      = flag.Bool("sim-feed", false, "Feed the pipe path from the built-in simulator")
)

// registerFrontEnd wires the selected driver into the device registry.
// Openers construct a fresh device per acquisition; a closed device is
// never reused.
func registerFrontEnd() (string, error) {
	switch *source {
	case "sim":
		info := simulator.New(0).Info()
		sdr.Register(info, func() (sdr.Device, error) { return simulator.New(0), nil })
		return info.Name, nil
	case "pipe":
		path := *pipePath
		probe, err := pipe.Open(path)
		if err != nil {
			return "", err
		}
		sdr.Register(probe.Info(), func() (sdr.Device, error) { return pipe.Open(path) })
		return probe.Info().Name, nil
	case "hackrf":
		probe, err := hackrf.Open(*hackrfSerial)
		if err != nil {
			return "", err
		}
		serial := *hackrfSerial
		sdr.Register(probe.Info(), func() (sdr.Device, error) { return hackrf.Open(serial) })
		return probe.Info().Name, nil
	default:
		return "", fmt.Errorf("unknown source %q, pick one of: sim, pipe, hackrf", *source)
	}
}

func main() {
	// Log to stderr by default. Can be overridden via cmdline.
	flag.Set("logtostderr", "true")
	flag.Parse()

	if *simFeed {
		feeder := simulator.New(0)
		go func() {
			if err := simulator.ServeFIFO(*pipePath, feeder); err != nil {
				glog.Errorf("simulator feeder: %v", err)
			}
		}()
		glog.Infof("feeding %s from the built-in simulator", *pipePath)
	}

	frontEnd, err := registerFrontEnd()
	if err != nil {
		glog.Exitf("front end setup: %v", err)
	}

	manager := session.NewManager(session.Options{
		FrontEnd:      frontEnd,
		Points:        *points,
		QueueCapacity: *queueCap,
		MaxFPS:        *fps,
	})
	recorder := newRecorder(manager, *dataDir)
	srv := newServer(manager, recorder)

	httpServer := &http.Server{Addr: *listen, Handler: srv.routes()}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-shutdown
		glog.Infof("shutting down")
		recorder.Stop()
		if err := manager.Stop(); err != nil && !sdr.IsCode(err, sdr.CodeNotStreaming) {
			glog.Warningf("stopping session: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(ctx)
	}()

	glog.Infof("panorama listening on %s (front end %s, %d points)", *listen, frontEnd, *points)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		glog.Exitf("server: %v", err)
	}
	glog.Flush()
}
