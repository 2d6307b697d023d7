// Package channel implements the frontend/backend message pipe.
//
// A Channel is one end of an AF_UNIX stream socket pair. Envelopes travel as
// 4-byte big-endian length-prefixed frames, so ordering on one channel is
// the send order. The child end is handed to the worker process through
// exec.Cmd.ExtraFiles and rewrapped there with FromFD.
//
// A peer that exits or crashes surfaces as ErrTransportBroken from Send or
// Recv. FD exposes the descriptor for the poll package.
package channel
