// Package metrics holds the Prometheus collectors of the trust core. The
// collectors are package globals so that leaf packages can record without
// threading a registry through every constructor.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	KeysGenerated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ironid",
		Name:      "keys_generated_total",
		Help:      "Signing keys generated, by pool.",
	}, []string{"pool"})

	Signatures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ironid",
		Name:      "signatures_total",
		Help:      "Signatures produced, by pool.",
	}, []string{"pool"})

	KeysRetired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ironid",
		Name:      "keys_retired_total",
		Help:      "Signing keys removed by RetireAll, by pool.",
	}, []string{"pool"})

	LockWait = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ironid",
		Name:      "keystore_lock_wait_seconds",
		Help:      "Time spent waiting for the key store lock.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
	}, []string{"pool", "mode"})

	LockTimeouts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ironid",
		Name:      "keystore_lock_timeouts_total",
		Help:      "Key store lock acquisitions that gave up.",
	}, []string{"pool", "mode"})

	SessionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ironid",
		Name:      "sessions_created_total",
		Help:      "Verification sessions created.",
	})

	SessionsValidated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ironid",
		Name:      "sessions_validated_total",
		Help:      "Verification sessions validated.",
	})

	AssociationsPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ironid",
		Name:      "associations_published_total",
		Help:      "Associations published.",
	})

	AssociationsExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ironid",
		Name:      "associations_expired_total",
		Help:      "Associations moved to history after expiry.",
	})

	InvitesCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ironid",
		Name:      "invites_created_total",
		Help:      "Invitations stored.",
	})

	InvitesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ironid",
		Name:      "invites_delivered_total",
		Help:      "Invitations handed to the delivery collaborator.",
	})
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		KeysGenerated, Signatures, KeysRetired, LockWait, LockTimeouts,
		SessionsCreated, SessionsValidated,
		AssociationsPublished, AssociationsExpired,
		InvitesCreated, InvitesDelivered,
	}
}

// Register adds every collector to reg (the default registerer when nil).
// Collectors that are already registered are skipped.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}
