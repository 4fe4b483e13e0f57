// Package switchapi is a non-custodial Interledger switch client library.
//
// # Overview
//
// The switch lets one client hold simultaneous, independently-settled
// relationships ("uplinks") with upstream payment connectors, each backed
// by a different settlement mechanism (Lightning channel balance, Ethereum
// payment channel, XRP payment channel), and exchange value across them
// using Interledger packets while keeping counterparty exposure bounded to
// roughly one in-flight packet's value.
//
// This module is the uplink orchestration layer: connection establishment
// and asset verification, reactive derivation of balance and capacity
// figures, demultiplexing of inbound packets between an embedded
// payment-receiving server and switch-internal traffic, and the
// prefund-then-send protocol that makes trading non-custodial.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│         uplink.Connect              │  Orchestration: handshake,
//	│  (verify asset, wire, compose)      │  balance derivation, teardown
//	└─────────────────────────────────────┘
//	           ↓ composes
//	┌─────────────────────────────────────┐
//	│       accounting.Wrapper            │  Balance / packet-size ceilings,
//	│   (payable balance, ceilings)       │  payable-balance tracking
//	└─────────────────────────────────────┘
//	           ↓ wraps
//	┌─────────────────────────────────────┐
//	│      transport.Transport            │  Settlement-engine supplied
//	│  (connect, sendData, sendMoney)     │  packet + money movement
//	└─────────────────────────────────────┘
//
// Inbound data flows Transport → Router → {embedded receiver | client
// handler}; outbound flows send protocol → Wrapper → Transport.
//
// # Packages
//
//   - ilp: Interledger packet types and the standard OER binary codec,
//     ILP address handling, and the IL-DCP asset-details handshake.
//   - uplink: the orchestration core: BaseUplink/ReadyUplink, packet
//     router, balance tracker, non-custodial send protocol, teardown.
//   - accounting: the wrapper enforcing balance and packet-size ceilings
//     around a transport, with a synchronously readable payable balance.
//   - receiver: embedded server accepting anonymous incoming payments
//     addressed below the uplink's own ILP address.
//   - settler: per-settlement-type asset metadata and the process-wide
//     settler registry.
//   - transport: the settlement-engine transport contract plus a
//     websocket reference implementation (wsrpc).
//   - storage: persistent store contract with in-memory and NATS
//     JetStream KV implementations.
//   - rate: price-oracle contract used to size maxInFlight.
//   - observable (pkg/observable): last-value-retaining broadcast
//     containers backing all capacity/balance streams.
//   - config, metric, health, natsclient: daemon configuration, metrics
//     registry, health aggregation, and the NATS connection manager
//     behind cmd/switchd.
//
// # Non-custodial guarantee
//
// Before each outbound packet the send protocol pushes any additional
// prefund the counterparty requires, concurrently with the packet itself.
// The connector therefore extends zero standing credit and what it could
// ever be owed is bounded to at most one packet's amount.
package switchapi
