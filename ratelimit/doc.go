// Package ratelimit decides when a rate limited call may be retried. A Policy
// is shared; every call starts its own State and asks it for the next delay.
package ratelimit
