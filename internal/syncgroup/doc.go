// Package syncgroup provides indexed binary signals shared across the
// frontend/backend process boundary.
//
// A Group is an array of 32-bit words in a memfd mapping. The frontend
// creates it before spawning, passes a descriptor to the child, and is the
// only side that allocates indices. Set stores 1 and wakes futex waiters;
// Wait sleeps on the word until it becomes 1.
//
// A synchronous round trip over the otherwise asynchronous channel:
//
//	err := group.Do(ctx, func(index int) error {
//	    return ch.Send(env.WithSyncIndex(index))
//	})
//
// The backend performs the work and calls Set(index); Do returns once that
// has happened and the index is back in the pool. Indices whose wait was
// cancelled are kept out of the pool until the late Set arrives.
package syncgroup
