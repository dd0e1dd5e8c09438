// Package server runs the gateway's HTTP listeners.
//
// A Server owns one gateway.Runtime. Start brings up the runtime's background
// work and the listeners and blocks until shutdown:
//
//	cfg, err := config.LoadConfig("meridian.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	rt, err := gateway.Build(cfg, gateway.BuildOptions{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	srv := server.New(cfg.Gateway, rt, rt.Logger)
//	if err := srv.Start(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//
// # Listeners
//
// The proxy listener serves gateway.ListenAddress. With admin_address set the
// admin endpoints (/health, /ready, /metrics, /services, /balancer) get their
// own listener; otherwise they are mounted on the proxy listener under
// /_meridian/.
//
// # Graceful Shutdown
//
// Cancelling the context, SIGINT, SIGTERM or Shutdown:
//  1. Stops accepting new connections on both listeners
//  2. Waits for in-flight requests, up to shutdown_timeout
//  3. Stops health checks, discovery and journal retention
//  4. Flushes traces and closes the event sinks
package server
