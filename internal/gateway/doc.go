// Package gateway orchestrates the cobrai-gateway server components.
//
// # Overview
//
// The gateway owns the session store, the dispatcher and every surface that
// feeds it: the WhatsApp webhook, the Matrix sync loop, the HTTP admin API,
// the gRPC health service and the optional session reset schedule.
//
// Inbound events from either frontend are handed to enqueue, which runs the
// dispatcher on its own goroutine. Matrix events go through enqueueThen, whose
// done callback clears the typing notification. The webhook answers the platform before
// the model is called.
//
// # HTTP API
//
//   - GET / - Liveness banner
//   - GET|POST /webhook - WhatsApp verification and notifications
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check
//   - POST /api/admin/reset - Clear every session (admin)
//   - GET /reset - Legacy form of the reset (admin)
//   - GET /api/sessions/{user} - Session metadata without message content
//   - GET /api/stats/usage - Token usage from the ledger
//
// Routes under /api and /reset require a bearer JWT when auth.jwt_secret is set.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//
// Canceling the context stops the reset schedule and the HTTP server, waits
// for in-flight events, then stops gRPC and closes the ledger.
package gateway
