package models

import "time"

// CreationLock guards a single in-flight dataset creation for one
// (normalized address, user) pair. TTL is 30 s; a lock older than that is
// presumed to belong to a dead request and may be overwritten.
type CreationLock struct {
	Key        string
	Sentinel   string
	AcquiredAt time.Time
}

// Expired reports whether the lock is older than ttl.
func (l CreationLock) Expired(ttl time.Duration) bool {
	return time.Since(l.AcquiredAt) >= ttl
}

// LockKey builds the creation-lock key for a normalized address and user.
func LockKey(normalizedAddress, user string) string {
	return normalizedAddress + ":" + user
}
