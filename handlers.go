package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/panorama/pkg/sdr"
)

// httpStatusFor maps the error taxonomy onto response codes.
func httpStatusFor(err error) int {
	switch sdr.CodeOf(err) {
	case sdr.CodeConfigInvalid:
		return 400
	case sdr.CodeBusy, sdr.CodeNotStreaming:
		return 409
	case sdr.CodeDeviceUnavailable:
		return 503
	default:
		return 500
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatusFor(err))
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": err.Error(),
		"code":  string(sdr.CodeOf(err)),
	})
}

// withCORS answers permissive cross-origin headers on every route and
// short-circuits OPTIONS preflight.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(204)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", 405)
		return
	}

	// Absent fields keep their defaults; an empty body starts with the
	// default config outright.
	var req struct {
		CenterFreq *float64 `json:"center_freq"`
		SampleRate *float64 `json:"sample_rate"`
		LNAGain    *int     `json:"lna_gain"`
		VGAGain    *int     `json:"vga_gain"`
		BufferSize *int     `json:"buffer_size"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid JSON", 400)
		return
	}

	cfg := sdr.DefaultConfig()
	if req.CenterFreq != nil {
		cfg.CenterFrequency = *req.CenterFreq
	}
	if req.SampleRate != nil {
		cfg.SampleRate = *req.SampleRate
	}
	if req.LNAGain != nil {
		cfg.LNAGain = *req.LNAGain
	}
	if req.VGAGain != nil {
		cfg.VGAGain = *req.VGAGain
	}
	if req.BufferSize != nil {
		cfg.BufferSize = *req.BufferSize
	}

	info, err := s.manager.Start(cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{
		"ok":         true,
		"session_id": info.ID,
		"config":     info.Config,
	})
}

func (s *server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", 405)
		return
	}
	if err := s.manager.Stop(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"ok": true})
}

func (s *server) handleTune(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", 405)
		return
	}

	var req struct {
		CenterFreq float64 `json:"center_freq"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", 400)
		return
	}

	applied, err := s.manager.Retune(req.CenterFreq)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{
		"ok":     true,
		"config": applied,
	})
}

func (s *server) handleGains(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		g, err := s.manager.Gains()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, g)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", 405)
		return
	}

	var req struct {
		LNAGain int `json:"lna_gain"`
		VGAGain int `json:"vga_gain"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", 400)
		return
	}

	applied, err := s.manager.UpdateGains(req.LNAGain, req.VGAGain)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, applied)
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.manager.Status())
}

func (s *server) handleDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"devices": s.manager.FrontEnds(),
	})
}

func (s *server) handleRecordStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", 405)
		return
	}

	var req struct {
		Samples  int    `json:"samples"`
		Filename string `json:"filename"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", 400)
		return
	}

	filename, err := s.recorder.Start(req.Samples, req.Filename)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{
		"ok":       true,
		"filename": filename,
		"total":    req.Samples,
	})
}

func (s *server) handleRecordStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", 405)
		return
	}
	s.recorder.Stop()
	writeJSON(w, map[string]interface{}{"ok": true})
}

func (s *server) handleRecordStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.recorder.Status())
}
