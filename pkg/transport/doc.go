// Package transport defines the canonical transport interfaces for mirrorng
// and provides the built-in implementations (tcp, quic, mem).
//
// Key concepts:
// - Transport: dials/listens for Channels of a specific Kind (TCP/QUIC/Mem)
// - Channel: a bidirectional raw frame link to one peer
// - ChannelKind: delivery class requested per send (Reliable/Unreliable)
//
// The mem transport is a matched pair of in-process queues carrying the same
// Channel contract as the network transports, so the upper layers run one
// code path for remote and in-process peers.
package transport
