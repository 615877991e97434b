package httpapi

import (
	"log/slog"
	"net/http"
	"time"
)

func NewServer(addr string, mux *http.ServeMux, logger *slog.Logger) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           requestLogger(logger, recoverer(logger, mux)),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       time.Minute,
	}
}
