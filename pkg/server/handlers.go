package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"

	"github.com/sirrobot01/streamfetch/internal/request"
	"github.com/sirrobot01/streamfetch/internal/utils"
	"github.com/sirrobot01/streamfetch/pkg/stream"
)

type sizeResponse struct {
	URL  string      `json:"url"`
	Mode stream.Mode `json:"mode"`
	Size int64       `json:"size"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	request.JSONResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

// target reads the url and mode query parameters.
func (s *Server) target(w http.ResponseWriter, r *http.Request) (string, stream.Mode, bool) {
	target := r.URL.Query().Get("url")
	if target == "" {
		s.sendJSONError(w, "url is required", http.StatusBadRequest)
		return "", "", false
	}
	if _, err := request.ValidateURL(target); err != nil {
		s.sendJSONError(w, err.Error(), http.StatusBadRequest)
		return "", "", false
	}
	mode, err := stream.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		s.sendJSONError(w, err.Error(), http.StatusBadRequest)
		return "", "", false
	}
	return target, mode, true
}

// handleStream relays the remote resource chunk by chunk. The first chunk is
// fetched before any header is written so early failures get a real status.
// A failure after that aborts the connection; the client never sees a short
// body that looks complete.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	target, mode, ok := s.target(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	l := s.log(r).With().Str("url", utils.MaskURL(target)).Str("mode", string(mode)).Logger()

	opts := s.opts
	opts.Logger = l
	st := stream.Open(s.client, target, mode, opts)
	defer st.Close()

	first, err := st.Next(ctx)
	if err != nil && !errors.Is(err, io.EOF) {
		l.Error().Err(err).Msg("Stream failed before the first chunk")
		s.sendUpstreamError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if errors.Is(err, io.EOF) {
		return
	}

	flusher, _ := w.(http.Flusher)
	written := int64(0)
	chunk := first
	for {
		n, werr := w.Write(chunk)
		written += int64(n)
		if werr != nil {
			l.Debug().Err(werr).Int64("written", written).Msg("Client went away")
			return
		}
		if flusher != nil {
			flusher.Flush()
		}

		chunk, err = st.Next(ctx)
		if errors.Is(err, io.EOF) {
			l.Info().Int64("bytes", written).Msg("Stream complete")
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				l.Error().Err(err).Int64("written", written).Msg("Stream failed, aborting response")
			}
			panic(http.ErrAbortHandler)
		}
	}
}

func (s *Server) handleSize(w http.ResponseWriter, r *http.Request) {
	target, mode, ok := s.target(w, r)
	if !ok {
		return
	}
	size, err := s.sizer.SizeFor(r.Context(), mode, target, s.opts.Proxies)
	if err != nil {
		l := s.log(r)
		l.Error().Err(err).Str("url", utils.MaskURL(target)).Msg("Size lookup failed")
		s.sendUpstreamError(w, err)
		return
	}
	request.JSONResponse(w, sizeResponse{URL: target, Mode: mode, Size: size}, http.StatusOK)
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if target == "" {
		s.sendJSONError(w, "url is required", http.StatusBadRequest)
		return
	}
	cache := s.sizer.Cache()
	removed := 0
	if m := r.URL.Query().Get("mode"); m != "" {
		mode, err := stream.ParseMode(m)
		if err != nil {
			s.sendJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if cache.Delete(mode, target, s.opts.Proxies) {
			removed = 1
		}
	} else {
		removed = cache.Invalidate(target)
	}
	request.JSONResponse(w, map[string]int{"removed": removed}, http.StatusOK)
}

func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	entries := s.sizer.Cache().Entries()
	for i := range entries {
		entries[i].URL = utils.MaskURL(entries[i].URL)
	}
	request.JSONResponse(w, map[string]any{
		"ttl":     s.sizer.Cache().TTL().String(),
		"entries": entries,
	}, http.StatusOK)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	stats := map[string]any{
		// Memory stats
		"heap_alloc_mb":  fmt.Sprintf("%.2fMB", float64(memStats.HeapAlloc)/1024/1024),
		"total_alloc_mb": fmt.Sprintf("%.2fMB", float64(memStats.TotalAlloc)/1024/1024),
		"memory_used":    fmt.Sprintf("%.2fMB", float64(memStats.Sys)/1024/1024),

		"gc_cycles":  memStats.NumGC,
		"goroutines": runtime.NumGoroutine(),

		"go_version":   runtime.Version(),
		"size_entries": s.sizer.Cache().Len(),
		"chunk_size":   s.opts.ChunkSize,
		"max_retries":  s.opts.MaxRetries,
		"proxies":      utils.MaskProxies(s.opts.Proxies),
	}
	request.JSONResponse(w, stats, http.StatusOK)
}

// sendUpstreamError maps a failed fetch to a gateway status.
func (s *Server) sendUpstreamError(w http.ResponseWriter, err error) {
	code := http.StatusBadGateway
	switch request.KindOf(err) {
	case request.KindInvalidURL:
		code = http.StatusBadRequest
	case request.KindRetriesExhausted:
		code = http.StatusGatewayTimeout
	}
	body := map[string]any{
		"error":  err.Error(),
		"kind":   request.KindOf(err).String(),
		"status": code,
	}
	var reqErr *request.Error
	if errors.As(err, &reqErr) && reqErr.StatusCode != 0 {
		body["upstream_status"] = reqErr.StatusCode
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// sendJSONError sends a JSON error response
func (s *Server) sendJSONError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	err := json.NewEncoder(w).Encode(map[string]interface{}{
		"error":  message,
		"status": statusCode,
	})
	if err != nil {
		return
	}
}
