// Package jobq is a background job queue built on top of RabbitMQ
// (AMQP 0-9-1) that comes with:
//
// * A bounded, self-healing channel pool
//
// * A job registry with automatic retry/error topology
//
// * A bounded-concurrency worker pipeline with retry, timeout and
// dead-letter handling
//
// * A buffered publish transactor with explicit commit/rollback
package jobq
