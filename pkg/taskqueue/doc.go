// Package taskqueue provides per-key serialized task execution.
//
// Tasks enqueued under the same conversation key run one at a time in
// submission order; tasks under distinct keys run concurrently. A key with an
// empty queue holds no resources. The queue is in-memory and single-process:
// queued work does not survive a restart.
package taskqueue
