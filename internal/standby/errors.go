package standby

import "errors"

var (
	// ErrMirrorProvisioning means the CpuMirror never became usable within
	// the retry ceiling. The association lands in ERROR, not half-enabled.
	ErrMirrorProvisioning = errors.New("cpu mirror provisioning failed")

	// ErrRecoveryExhausted means every recovery attempt failed validation
	// or acquisition; the association is DEGRADED with its last good
	// snapshot intact.
	ErrRecoveryExhausted = errors.New("gpu recovery attempts exhausted")

	// ErrUnknownAssociation is returned for operations on a logical id the
	// registry does not hold.
	ErrUnknownAssociation = errors.New("unknown association")

	// ErrNotDegraded guards the operator failover path.
	ErrNotDegraded = errors.New("association is not in DEGRADED state")
)
