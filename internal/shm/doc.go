/*
Package shm maps named POSIX shared memory segments for bulk data that should
not travel over a worker channel.

The frontend creates a segment and tells its backend the name and size in an
envelope; the backend attaches to the same name. Both mappings see every write
immediately and nothing serializes access, so callers coordinate through
messages or a sync group.

	seg, err := shm.Create(shm.NameFor("worker-0", "grid"), shm.GridSize(100, 100))
	grid, err := seg.Grid(100, 100)
	grid.Set(0, 0, 1.0)

Only the creating handle unlinks the name on Close. Attached handles Detach.
*/
package shm
