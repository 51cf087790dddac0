/*
Package pipeline runs the external batch pipeline as a child process and turns its
output into an ordered event feed.

A run proceeds as follows:

1. The raw request is normalized and validated; a request missing required fields never reaches the process layer.
2. The validated request is mapped to the driver's fixed positional argument vector.
3. The launcher starts the driver as a child process with explicit interpreter, script, working directory, and environment.
4. Two goroutines drain stdout and stderr concurrently into a single bounded event channel, so neither pipe's OS buffer can stall the other.
5. When both pipes reach EOF, the exit code is awaited and exactly one terminal event (complete or error) is emitted, strictly after all stream events, and the channel is closed.

Events from the same stream preserve read order. Interleaving between stdout and
stderr is arrival order only, since the two pipes are independent.

The package does not buffer output beyond the event channel's capacity, which
generally means the consumer must drain the feed for the process to exit cleanly.
*/
package pipeline
