// Package circuitry is a pub/sub client for services built on Amazon SNS
// topics fanned out into SQS queues.
//
// The consumer half polls a queue in long-poll batches, tracks in-flight and
// completed message ids through a pluggable lock strategy, dispatches each
// message to a user handler either inline or on a bounded worker pool, and
// deletes messages from the queue only when the handler completes without
// error. Failed messages are left to the queue's own redelivery mechanism, so
// use a dead letter queue (see Provision) to cap retries. Delivery is
// at-least-once; handlers should be idempotent.
//
// The producer half resolves topic names to SNS topics and publishes to them.
//
// See cmd/circuitry for a runnable front-end and loadtester for a publish
// load generator.
package circuitry
