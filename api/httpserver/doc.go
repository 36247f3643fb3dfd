// Package httpserver provides the HTTP server the relay runs on.
//
// BaseServer wraps a chi router with the endpoints every deployment needs:
//
//   - /livez answers while the process runs
//   - /readyz answers 503 once the server is drained
//   - /drain and /undrain toggle readiness for load balancers
//   - /debug/pprof when EnablePprof is set
//
// Metrics are served on a separate listener when MetricsAddr is set.
// Components add their own routes by implementing RouteRegistrar.
//
// RelayServer puts services.Relay on a BaseServer and optionally runs the
// aggregation orchestrator next to it:
//
//	relay := services.NewRelay(st, &services.RelayConfig{Scheme: scheme, RoundLog: roundLog})
//	srv, err := httpserver.NewRelayServer(cfg, relay, services.NewOrchestrator(engine, st, 0, log))
//	if err != nil {
//		return err
//	}
//	srv.RunInBackground()
//	defer srv.Shutdown()
package httpserver
