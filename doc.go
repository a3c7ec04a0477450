// brio is a lightweight service-oriented runtime: processors register on
// a bus, declare the services they provide, and exchange typed envelopes
// through per-processor queues.
//
// The bus replicates a full service directory to every registered queue
// on each change, allocates transaction ids, and coordinates a two-phase
// shutdown where the Shutdown envelope is the only cancellation signal a
// dispatch loop has to honour.
//
// Supporting packages: pkg/tvf for the tag/value payload contract,
// pkg/pending for deadline-tracked in-flight transactions, pkg/regulate
// for send-rate and outstanding-count ceilings, pkg/netio for the
// listener/stream flavours protocol processors speak, and pkg/stub,
// pkg/inject, pkg/natsio for ready-made processors.
package brio
