package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
	"github.com/sirrobot01/streamfetch/internal/config"
	"github.com/sirrobot01/streamfetch/internal/logger"
	"github.com/sirrobot01/streamfetch/internal/request"
	"github.com/sirrobot01/streamfetch/internal/utils"
	"github.com/sirrobot01/streamfetch/pkg/stream"
)

type Server struct {
	router *chi.Mux
	logger zerolog.Logger
	cfg    *config.Config
	client *request.Client
	sizer  *stream.Sizer
	opts   stream.Options
}

func New(cfg *config.Config, client *request.Client, sizer *stream.Sizer, opts stream.Options) *Server {
	s := &Server{
		logger: logger.New("http"),
		cfg:    cfg,
		client: client,
		sizer:  sizer,
		opts:   opts,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestID)

	r.Route(cfg.URLBase, func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/stream", s.handleStream)
			r.Get("/size", s.handleSize)
			r.Delete("/size", s.handleInvalidate)

			//logs
			r.Get("/logs", s.getLogs)

			//debugs
			r.Route("/debug", func(r chi.Router) {
				r.Get("/stats", s.handleStats)
				r.Get("/cache", s.handleCache)
			})
		})
	})
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is done. Expired size cache entries are swept on the
// configured interval while the server runs.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%s", s.cfg.BindAddress, s.cfg.Port)
	s.logger.Info().Msgf("Starting server on %s%s", addr, s.cfg.URLBase)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	scheduler, err := s.startSweeper(ctx)
	if err != nil {
		return err
	}
	if scheduler != nil {
		defer func() {
			if err := scheduler.Shutdown(); err != nil {
				s.logger.Error().Err(err).Msg("Error stopping scheduler")
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msgf("Error starting server")
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	s.logger.Info().Msg("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// startSweeper returns a nil scheduler when cached sizes never expire.
func (s *Server) startSweeper(ctx context.Context) (gocron.Scheduler, error) {
	cache := s.sizer.Cache()
	if cache.TTL() <= 0 {
		return nil, nil
	}
	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.Local))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	_, err = utils.ScheduleTask(scheduler, "size-cache-sweep", s.cfg.Cache.SweepInterval, func() {
		if removed := cache.Sweep(); removed > 0 {
			s.logger.Debug().Int("removed", removed).Msg("Swept expired size cache entries")
		}
	})
	if err != nil {
		_ = scheduler.Shutdown()
		return nil, fmt.Errorf("schedule cache sweep: %w", err)
	}
	scheduler.Start()
	s.logger.Info().Str("interval", s.cfg.Cache.SweepInterval).Msg("Size cache sweep scheduled")
	return scheduler, nil
}

func (s *Server) getLogs(w http.ResponseWriter, r *http.Request) {
	logFile := logger.GetLogPath()
	if logFile == "" {
		http.Error(w, "File logging is disabled", http.StatusNotFound)
		return
	}

	// Open and read the file
	file, err := os.Open(logFile)
	if err != nil {
		http.Error(w, "Error reading log file", http.StatusInternalServerError)
		return
	}
	defer func(file *os.File) {
		err := file.Close()
		if err != nil {
			s.logger.Error().Err(err).Msg("Error closing log file")
		}
	}(file)

	// Set headers
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", "inline; filename=streamfetch.log")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")

	// Stream the file
	_, err = io.Copy(w, file)
	if err != nil {
		s.logger.Error().Err(err).Msg("Error streaming log file")
		return
	}
}
