// Package trust persists the durable trust state of a node: outbound
// peers we may inject to, inbound access grants describing who may
// inject to us, and the informational invite records for tokens we have
// minted. Authorization lookups resolve both current peer keys and
// rotated-out historical keys inside their grace window.
package trust
