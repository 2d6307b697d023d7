// Package envelope defines the message unit exchanged between a worker's
// frontend and backend.
//
// An Envelope carries a non-empty kind, an ordered list of named fields and an
// optional synchronization slot index. Field values are limited to what small
// control messages need: scalars, strings, bytes, small arrays and nested
// envelopes. Envelopes are immutable once built.
//
// Applications declare their kinds as constants and switch on Kind() when
// dispatching; an unmatched kind is reported as an unroutable message by the
// process package.
//
// Example Usage:
//
//	const KindPing = "ping"
//
//	env := envelope.MustNew(KindPing, envelope.String("parameter", "gotcha!"))
//	param, err := env.GetString("parameter")
package envelope
