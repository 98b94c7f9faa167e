// Package invoker drives one conversational tool subprocess end to end:
// argument construction, spawn, incremental decode of the streamed
// line-delimited output, progress callbacks, hard-timeout termination,
// and a single self-correcting retry when the create/resume session mode
// turns out to be wrong.
package invoker
