/*
Package process spawns worker processes and runs their message loops.

A worker has two halves. The frontend Process lives in the parent and owns a
channel and a sync group from construction on. Start re-executes the current
binary with the child end of the channel as fd 3 and the sync group as fd 4,
then sends a bootstrap message naming the registered worker type. The child
side, entered through Init, builds that type's Backend and runs:

	PreRun → loop { Recv → stop? → Handle } → PostRun → exit

Worker types are registered by name in every process image:

	func init() {
		process.Register("grid", func(b process.Bootstrap) (process.Backend, error) {
			return &gridBackend{}, nil
		})
	}

	func main() {
		process.Init()
		...
	}

Handler failures are logged in the child and never end its loop. Hook
failures end the worker with a distinct exit status, which WaitStop reports
as a *LifecycleHookError.

States move forward only: CREATED → SPAWNED → RUNNING → STOP_REQUESTED → STOPPED.
*/
package process
