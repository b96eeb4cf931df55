package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/segmentio/parquet-go"

	"github.com/panorama/pkg/sdr"
	"github.com/panorama/pkg/session"
)

// iqSample is one parquet row: a single complex sample split into its
// components.
type iqSample struct {
	I float32 `parquet:"i"`
	Q float32 `parquet:"q"`
}

// Recorder copies raw sample blocks to a parquet file while a session
// streams. It feeds off the manager's block tap, so viewers and the
// hand-off queue are untouched by an active recording.
type Recorder struct {
	manager *session.Manager
	dataDir string

	mu       sync.Mutex
	running  bool
	filename string
	total    int
	written  int
	lastErr  string
	stop     chan struct{}
	done     chan struct{}
}

func newRecorder(manager *session.Manager, dataDir string) *Recorder {
	return &Recorder{manager: manager, dataDir: dataDir}
}

// Start begins recording the next produced blocks until samples have
// been written. Fails busy while a recording runs and not_streaming
// without an active session.
func (r *Recorder) Start(samples int, filename string) (string, error) {
	const op = "recorder.Start"
	if samples <= 0 {
		return "", sdr.Errorf(sdr.CodeConfigInvalid, op, "sample count %d must be positive", samples)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return "", sdr.Errorf(sdr.CodeBusy, op, "already recording %s", r.filename)
	}
	if st := r.manager.Status(); st.State != session.StateStreaming {
		return "", sdr.Errorf(sdr.CodeNotStreaming, op, "no active session (state %s)", st.State)
	}

	tap, err := r.manager.OpenBlockTap(4)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(r.dataDir, 0755); err != nil {
		tap.Close()
		return "", fmt.Errorf("create data dir: %w", err)
	}
	if filename == "" {
		filename = fmt.Sprintf("capture_%s.parquet", time.Now().Format("20060102_150405"))
	} else {
		filename = filepath.Base(filename)
		if !strings.HasSuffix(filename, ".parquet") {
			filename += ".parquet"
		}
	}
	fullPath := filepath.Join(r.dataDir, filename)
	f, err := os.Create(fullPath)
	if err != nil {
		tap.Close()
		return "", fmt.Errorf("create capture file: %w", err)
	}

	r.running = true
	r.filename = filename
	r.total = samples
	r.written = 0
	r.lastErr = ""
	r.stop = make(chan struct{})
	r.done = make(chan struct{})

	glog.Infof("recording %d samples to %s", samples, fullPath)
	go r.run(tap, f, samples, r.stop, r.done)
	return filename, nil
}

func (r *Recorder) run(tap *session.BlockTap, f *os.File, total int, stop, done chan struct{}) {
	defer close(done)
	defer tap.Close()

	// The writer is created on the first block so the file metadata
	// carries the config actually in effect, not the one at Start.
	var writer *parquet.GenericWriter[iqSample]
	written := 0

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for written < total {
		select {
		case <-stop:
			r.finish(writer, f, "")
			return
		case <-ticker.C:
			if r.manager.Status().State != session.StateStreaming {
				glog.Warningf("recording interrupted at %d/%d samples, session ended", written, total)
				r.finish(writer, f, "session ended")
				return
			}
		case block := <-tap.C:
			if writer == nil {
				cfgJSON, _ := json.Marshal(block.Config)
				writer = parquet.NewGenericWriter[iqSample](f,
					parquet.KeyValueMetadata("config", string(cfgJSON)),
				)
			}
			rows := make([]iqSample, 0, len(block.Samples))
			for _, z := range block.Samples {
				rows = append(rows, iqSample{I: real(z), Q: imag(z)})
			}
			if len(rows) > total-written {
				rows = rows[:total-written]
			}
			if _, err := writer.Write(rows); err != nil {
				glog.Errorf("recording write: %v", err)
				r.finish(writer, f, err.Error())
				return
			}
			written += len(rows)
			r.mu.Lock()
			r.written = written
			r.mu.Unlock()
		}
	}

	glog.Infof("recording finished, %d samples", written)
	r.finish(writer, f, "")
}

func (r *Recorder) finish(writer *parquet.GenericWriter[iqSample], f *os.File, errMsg string) {
	if writer != nil {
		if err := writer.Close(); err != nil && errMsg == "" {
			errMsg = err.Error()
		}
	}
	if err := f.Close(); err != nil && errMsg == "" {
		errMsg = err.Error()
	}
	r.mu.Lock()
	r.running = false
	r.lastErr = errMsg
	r.mu.Unlock()
}

// Stop ends a recording early, keeping what was written. A stop with no
// recording in progress is a no-op.
func (r *Recorder) Stop() {
	r.mu.Lock()
	stop, done := r.stop, r.done
	r.stop = nil
	r.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Status reports the recording progress counters.
func (r *Recorder) Status() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := map[string]interface{}{
		"recording": r.running,
		"filename":  r.filename,
		"total":     r.total,
		"current":   r.written,
	}
	if r.lastErr != "" {
		st["error"] = r.lastErr
	}
	return st
}
