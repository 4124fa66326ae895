// Package guard holds the replay and timing predicates applied to every
// inbound cross-chain message. Both checks are pure; cursor advancement is
// the dispatcher's job and happens only after the full pipeline succeeds.
package guard

import (
	"errors"
	"time"
)

// TimestampTolerance bounds acceptable clock drift between the origin
// chain and local time, in both directions.
const TimestampTolerance = 3600 * time.Second

var (
	ErrInvalidNonce      = errors.New("nonce not greater than replay cursor")
	ErrMessageTooOld     = errors.New("message timestamp too old")
	ErrMessageFromFuture = errors.New("message timestamp in the future")
)

// Accept validates one (nonce, timestamp) pair against the current replay
// cursor. The nonce must be strictly greater than the cursor; gaps are
// permitted, contiguity is not required. Out-of-order delivery is rejected,
// never queued.
func Accept(cursor, nonce uint64, timestamp int64, now time.Time) error {
	if err := AcceptNonce(cursor, nonce); err != nil {
		return err
	}
	return AcceptTimestamp(timestamp, now)
}

// AcceptNonce applies only the replay rule.
func AcceptNonce(cursor, nonce uint64) error {
	if nonce <= cursor {
		return ErrInvalidNonce
	}
	return nil
}

// AcceptTimestamp applies only the freshness rule.
func AcceptTimestamp(timestamp int64, now time.Time) error {
	diff := now.Unix() - timestamp
	if diff > int64(TimestampTolerance/time.Second) {
		return ErrMessageTooOld
	}
	if -diff > int64(TimestampTolerance/time.Second) {
		return ErrMessageFromFuture
	}
	return nil
}
