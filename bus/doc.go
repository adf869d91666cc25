// Package bus provides the message queues agents and coordinators talk over.
//
// # Overview
//
// Queue is a point-to-point contract: Send enqueues a body with string
// attributes, Receive long-polls for a batch. Every message reaches one
// receiver and is gone once received. Attributes carry the protocol
// message type and sender so consumers can route without decoding.
//
// # Available Implementations
//
//   - MemoryBus: in-process queues for tests and single-process setups
//   - NATSBus: a JetStream work-queue stream with one pull consumer per queue
//   - SQSBus: Amazon SQS with long polling and message attributes
//   - RedisBus: Redis Streams read through a consumer group
//
// # Usage
//
//	q := bus.NewMemoryBus(bus.DefaultConfig())
//	defer q.Close()
//
//	_, err := bus.SendMessage(ctx, q, "summarizer", msg)
//
//	batch, err := q.Receive(ctx, "summarizer", 10, 20*time.Second)
//	for _, m := range batch {
//	    pm, err := bus.DecodeMessage(m)
//	    // ...
//	}
//
// Receive caps batches at MaxBatch messages and waits at most MaxWait, the
// limits SQS imposes, so code written against one backend behaves the same
// on the others.
package bus
