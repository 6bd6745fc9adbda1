package nrfdfu

import (
	"time"
)

// BackoffFunc returns how long to wait before retry attempt n (1-based).
type BackoffFunc func(attempt int) time.Duration

// ProgressFunc is invoked after every confirmed checkpoint with the number
// of peripheral-verified bytes of the named object. Implementations should
// return quickly, the transfer blocks on them.
type ProgressFunc func(object string, sent, total int)

type config struct {
	prn            int
	maxRetries     int
	backoff        BackoffFunc
	ctrlTimeout    time.Duration
	ctrlRetries    int
	executeTimeout time.Duration
	progress       ProgressFunc
}

func defaultConfig() config {
	return config{
		// checkpoint at object end unless the caller wants tighter loops
		prn:        0,
		maxRetries: 3,
		backoff: func(attempt int) time.Duration {
			return time.Duration(attempt) * 500 * time.Millisecond
		},
		ctrlTimeout: 1 * time.Second,
		ctrlRetries: 3,
		// execute can erase and write flash, which takes multiple seconds
		executeTimeout: 30 * time.Second,
	}
}

// Option configures a Session.
type Option func(*config)

// WithPRN sets the packet receipt notification interval: the number of
// data chunks written between CRC checkpoints. Zero checkpoints only at
// the end of each object.
func WithPRN(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.prn = n
		}
	}
}

// WithRetries sets the retry budget for recoverable transfer failures
// (chunk write errors and resumable CRC mismatches).
func WithRetries(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithBackoff sets the wait policy between retries. Injecting a zero
// backoff makes failure-path tests deterministic and fast.
func WithBackoff(f BackoffFunc) Option {
	return func(c *config) {
		if f != nil {
			c.backoff = f
		}
	}
}

// WithControlTimeout sets the response timeout for ordinary control point
// requests.
func WithControlTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.ctrlTimeout = d
		}
	}
}

// WithExecuteTimeout sets the extended response timeout for the execute
// opcode.
func WithExecuteTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.executeTimeout = d
		}
	}
}

// WithProgress sets a progress callback.
func WithProgress(f ProgressFunc) Option {
	return func(c *config) {
		c.progress = f
	}
}
