package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
)

// NewServer serves h on addr behind request logging and CORS.
func NewServer(addr string, h http.Handler, logger *slog.Logger) *http.Server {
	if logger == nil {
		logger = slog.Default()
	}
	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)
	return &http.Server{
		Addr:              addr,
		Handler:           requestLogger(logger, cors(h)),
		ReadHeaderTimeout: 10 * time.Second,
	}
}
