package config

import "time"

type TimingConfig interface {
	GetNullDebounce() time.Duration
	GetSessionMaintenanceInterval() time.Duration
	GetCredentialRenewalWindow() time.Duration
	GetWatchdogInterval() time.Duration
	GetRenewalLead() time.Duration
	GetStorePollInterval() time.Duration
	GetInitTimeout() time.Duration
}

type Timing struct{}

var _ TimingConfig = Timing{}

// GetNullDebounce is how long a null session notification is held back
// before it is trusted as a real sign-out. Token refreshes at the
// identity provider emit a transient null followed by the same identity.
func (Timing) GetNullDebounce() time.Duration {
	return GetEnvDuration("SESSION_NULL_DEBOUNCE", 100*time.Millisecond)
}

func (Timing) GetSessionMaintenanceInterval() time.Duration {
	return GetEnvDuration("SESSION_MAINTENANCE_INTERVAL", 10*time.Minute)
}

func (Timing) GetCredentialRenewalWindow() time.Duration {
	return GetEnvDuration("CREDENTIAL_RENEWAL_WINDOW", 15*time.Minute)
}

func (Timing) GetWatchdogInterval() time.Duration {
	return GetEnvDuration("TOKEN_WATCHDOG_INTERVAL", 5*time.Minute)
}

func (Timing) GetRenewalLead() time.Duration {
	return GetEnvDuration("TOKEN_RENEWAL_LEAD", 10*time.Minute)
}

func (Timing) GetStorePollInterval() time.Duration {
	return GetEnvDuration("STORE_POLL_INTERVAL", time.Second)
}

// GetInitTimeout bounds external initialisation calls. Anything waiting
// on an unverifiable external load proceeds degraded instead of hanging.
func (Timing) GetInitTimeout() time.Duration {
	return GetEnvDuration("INIT_TIMEOUT", 5*time.Second)
}
