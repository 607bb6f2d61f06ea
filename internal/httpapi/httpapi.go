// Package httpapi is the thin net/http adapter that turns an incoming
// request into a dispatcher.Dispatcher call: it resolves which
// configured location a request path belongs to (nginx's location{}
// block matching, reduced to longest-prefix match over LocationSet)
// and exposes the Prometheus metrics endpoint alongside it. The "real"
// HTTP server — TLS, HTTP/2, access logs, graceful restarts — is out of
// scope (spec.md §1); this exists to drive Dispatcher from cmd/broker
// and from tests.
package httpapi

import (
	"net/http"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/odin-ws/broker/internal/config"
	"github.com/odin-ws/broker/internal/dispatcher"
	"github.com/odin-ws/broker/internal/metrics"
)

// Server adapts a Dispatcher and a set of named locations to
// http.Handler.
type Server struct {
	dispatcher *dispatcher.Dispatcher
	locations  []*config.LocationConfig
	metrics    *metrics.Registry
	logger     zerolog.Logger
}

// New builds a Server. Locations are matched against a request path by
// longest "/<name>" prefix, longest match wins, mirroring nginx's
// location-block selection. metricsRegistry may be nil to disable the
// /metrics endpoint.
func New(d *dispatcher.Dispatcher, locs *config.LocationSet, metricsRegistry *metrics.Registry, logger zerolog.Logger) *Server {
	s := &Server{dispatcher: d, metrics: metricsRegistry, logger: logger}
	if locs != nil {
		for _, loc := range locs.Locations {
			s.locations = append(s.locations, loc)
		}
		sort.Slice(s.locations, func(i, j int) bool {
			return len(s.locations[i].Name) > len(s.locations[j].Name)
		})
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.metrics != nil && r.URL.Path == "/metrics" {
		s.metrics.Handler().ServeHTTP(w, r)
		return
	}

	loc := s.resolveLocation(r.URL.Path)
	if loc == nil {
		http.NotFound(w, r)
		return
	}
	s.dispatcher.ServeHTTP(w, r, loc)
}

// resolveLocation finds the longest-prefix-matching location for path,
// per nginx's location{} selection rule.
func (s *Server) resolveLocation(path string) *config.LocationConfig {
	for _, loc := range s.locations {
		prefix := "/" + loc.Name
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return loc
		}
	}
	return nil
}
