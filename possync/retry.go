// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package possync

import "time"

// RetryPolicy bounds redelivery of failing queue items.
type RetryPolicy struct {
	BackoffMin  time.Duration // first retry delay, doubled per attempt
	BackoffMax  time.Duration
	MaxAttempts int  // park after this many failures; 0 never parks
	StrictOrder bool // stop a drain at the first failing, waiting or parked item
	BatchSize   int  // queue items read per page
	SendTimeout time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BackoffMin:  1 * time.Second,
		BackoffMax:  5 * time.Minute,
		MaxAttempts: 10,
		BatchSize:   100,
		SendTimeout: 30 * time.Second,
	}
}

// maxBackoff caps the delay when BackoffMax is unset.
const maxBackoff = 24 * time.Hour

// Backoff returns the delay before attempt number attempts+1. The delay never
// exceeds BackoffMax, or maxBackoff when BackoffMax is unset.
func (p RetryPolicy) Backoff(attempts int) time.Duration {
	backoff := p.BackoffMin
	if backoff <= 0 {
		return 0
	}
	ceiling := p.BackoffMax
	if ceiling <= 0 {
		ceiling = max(maxBackoff, backoff)
	}
	for i := 1; i < attempts && backoff < ceiling; i++ {
		backoff *= 2
	}
	return min(backoff, ceiling)
}
