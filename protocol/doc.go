// Package protocol implements a secure aggregation protocol for federated
// learning, following the pairwise-masking construction of "Practical Secure
// Aggregation for Privacy-Preserving Machine Learning" with threshold
// recovery of dropped participants' masks.
//
// # Architecture and Workflow
//
// A deployment has three roles:
//
//  1. Clients: Train locally and submit weight deltas. Each round a client
//     clips its delta, optionally adds calibrated Gaussian noise, scales it
//     by its sample count, and hides the result under pairwise masks before
//     anything leaves the device.
//
//  2. Aggregators: Optional fan-in nodes that sum masked updates before they
//     reach the coordinator. Masked updates are additive, so aggregators
//     reduce bandwidth without learning anything about individual deltas.
//
//  3. Coordinator: Drives rounds, relays key advertisements and encrypted
//     seed shares between clients, sums the masked updates, recovers the
//     masks of dropped clients, and publishes the weighted average.
//
// # Round Phases
//
// Every round passes through four phases:
//
//  1. KeyAdvertisement: each client generates a fresh P-256 exchange key and
//     publishes the signed public half.
//
//  2. ShareDistribution: each client threshold-shares its private key scalar
//     and sends one encrypted share to every peer through the coordinator.
//     Shares are encrypted to the recipient's round key, so the coordinator
//     relays them blindly.
//
//  3. MaskedSubmission: each client submits its masked update, directly or
//     through an aggregator. For every pair of clients the lexicographically
//     lower ID adds their pair mask and the higher one subtracts it, so the
//     masks of surviving pairs cancel in the sum.
//
//  4. UnmaskingRecovery: survivors hand the coordinator their shares for
//     clients that failed to submit. Once a threshold of shares arrives, the
//     coordinator reconstructs the dropped key, re-derives its pair secrets,
//     and cancels the stranded masks before averaging.
//
// # Security Considerations
//
// - An individual update stays hidden unless Threshold or more participants
//   collude with the coordinator.
// - A coordinator that falsely reports a submitting client as dropped could
//   recover that client's masks. Clients bound the damage by refusing to
//   release shares when the reported dropout count would leave fewer than
//   Threshold survivors.
// - Differential privacy noise is added client-side, so the guarantee holds
//   against the coordinator as well.
// - Pair secrets are derived from per-round keys; compromising one round's
//   keys exposes no other round.
// - Updates flowing through an aggregator carry the aggregator's signature
//   rather than per-client session tokens; the coordinator trusts authorized
//   aggregators to have verified their clients.
package protocol
