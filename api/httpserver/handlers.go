package httpserver

import (
	"context"
	"sync"

	"github.com/flashbots/fedrelay/services"
)

// RelayServer is the relay protocol on a BaseServer, optionally with the
// aggregation orchestrator running alongside.
type RelayServer struct {
	*BaseServer

	relay        *services.Relay
	orchestrator *services.Orchestrator

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRelayServer builds the server. orchestrator may be nil when aggregation
// runs elsewhere.
func NewRelayServer(cfg *HTTPServerConfig, relay *services.Relay, orchestrator *services.Orchestrator) (*RelayServer, error) {
	base, err := New(cfg, relay)
	if err != nil {
		return nil, err
	}
	return &RelayServer{
		BaseServer:   base,
		relay:        relay,
		orchestrator: orchestrator,
	}, nil
}

// RunInBackground starts the listeners and, when configured, the
// orchestrator.
func (s *RelayServer) RunInBackground() {
	s.BaseServer.RunInBackground()
	if s.orchestrator == nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Info("Starting aggregation orchestrator")
		if err := s.orchestrator.Run(ctx); err != nil {
			s.log.Error("Orchestrator failed", "err", err)
		}
	}()
}

// Shutdown stops the orchestrator, then the listeners.
func (s *RelayServer) Shutdown() {
	if s.cancel != nil {
		s.cancel()
		s.wg.Wait()
		stats := s.orchestrator.Stats()
		s.log.Info("Orchestrator stopped", "started", stats.Started, "completed", stats.Completed, "failed", stats.Failed)
	}
	s.BaseServer.Shutdown()
}
