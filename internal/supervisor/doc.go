/*
Package supervisor runs many worker processes from a single goroutine.

A Supervisor is built in a fixed order: the Handler creates every worker in
StartProcesses, the supervisor spawns them all, and only then are handler
goroutines started. Run then waits on every worker channel at once with a
timeout. Each timeout is a liveness tick; each readable channel yields one
envelope, which goes to Handler.HandleMessage along with the worker that sent
it.

The loop ends on context cancellation, Shutdown, SIGINT or SIGTERM. Closing
first sends a stop request to every worker and only then waits for each of
them, so workers wind down in parallel.

Pool keeps idle and busy workers apart and queues work while all are busy:

	func (h *handler) HandleMessage(s *supervisor.Supervisor, p *process.Process, env envelope.Envelope) error {
		switch env.Kind() {
		case "ready":
			return s.Pool().Release(p)
		default:
			return process.Unroutable(env.Kind())
		}
	}
*/
package supervisor
