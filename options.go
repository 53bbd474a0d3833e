package wopr

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wopr/limits"
	"github.com/opd-ai/wopr/transport"
)

// DefaultHousekeepingInterval is how often expired key history, invite
// records, and replay nonces are swept.
const DefaultHousekeepingInterval = 10 * time.Minute

// Options configures a Node.
type Options struct {
	// DataDir holds identity.json, peers.json, access.json, and
	// invites.json, all written with owner-only permissions.
	DataDir string

	// Transport rendezvouses connections by topic. Discovery is the
	// transport's concern; the node only hands it 32-byte topics.
	Transport transport.Transport

	// RateLimits overrides the per-class defaults. Nil uses
	// limits.DefaultLimits.
	RateLimits map[limits.LimitClass]limits.LimitConfig

	// HandshakeTimeout bounds the hello exchange (default 5s).
	HandshakeTimeout time.Duration

	// RequestTimeout bounds a full request round trip (default 10s).
	RequestTimeout time.Duration

	// HousekeepingInterval overrides the cleanup cadence.
	HousekeepingInterval time.Duration

	// Logger receives the node's own log messages (listener, housekeeping,
	// and broadcast failures). Nil uses logrus.StandardLogger; the stores,
	// gates, and protocol engine always log to logrus.StandardLogger.
	Logger *logrus.Logger
}

// NewOptions returns Options with defaults for the given data directory
// and transport.
func NewOptions(dataDir string, tr transport.Transport) *Options {
	return &Options{
		DataDir:              dataDir,
		Transport:            tr,
		HousekeepingInterval: DefaultHousekeepingInterval,
	}
}
