package demo

// Envelope kinds exchanged by the demo workers.
const (
	KindPing  = "ping"
	KindPong  = "pong"
	KindFill  = "fill"
	KindStats = "stats"
	KindWork  = "work"
	KindReady = "ready"
)
