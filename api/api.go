// Package api exposes the IPVS tables over a read-only HTTP API.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scitags/ipvs-go/ipvs"
)

// Source is what the handlers read from. Calls are made from concurrent
// requests, so implementations must serialise them when needed.
type Source interface {
	Services(ctx context.Context) ([]ipvs.ServiceExtended, error)
	Destinations(ctx context.Context, s ipvs.Service) ([]ipvs.DestinationExtended, error)
	Info(ctx context.Context) (ipvs.Info, error)
}

type Server struct {
	server *echo.Echo

	conf Config
}

// New builds the server. Metrics are served off g when it's not nil.
func New(conf *Config, src Source, g prometheus.Gatherer) *Server {
	slog.Debug("initialising the api server")

	s := &Server{server: echo.New(), conf: *conf}

	// Prevent the banner from showing up in the log
	s.server.HideBanner = true
	s.server.HidePort = true

	s.server.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			return next(&extendedContext{c, s.server.Routes(), src})
		}
	})

	// Configure the methods for each path
	s.server.GET("/", handleRoot)
	s.server.GET("/info", handleInfo)
	s.server.GET("/services", handleServices)
	s.server.GET("/services/:protocol/:address/:port", handleService)
	s.server.GET("/services/:protocol/:address/:port/destinations", handleDestinations)
	s.server.GET("/services/fwmark/:mark", handleService)
	s.server.GET("/services/fwmark/:mark/destinations", handleDestinations)

	if g != nil {
		s.server.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(g, promhttp.HandlerOpts{})))
	}

	return s
}

func (s *Server) String() string {
	return "api"
}

func (s *Server) Handler() http.Handler {
	return s.server
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	slog.Debug("running the api server", "address", s.conf.BindAddress, "port", s.conf.BindPort)

	errc := make(chan error, 1)
	go func() {
		if err := s.server.Start(fmt.Sprintf("%s:%d", s.conf.BindAddress, s.conf.BindPort)); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("couldn't start the API server: %w", err)
	case <-ctx.Done():
	}

	slog.Debug("cleanly exiting the api server")

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(sctx); err != nil {
		return fmt.Errorf("error shutting down the API server: %w", err)
	}
	return nil
}
