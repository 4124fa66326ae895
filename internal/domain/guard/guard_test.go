package guard

import (
	"errors"
	"testing"
	"time"
)

func TestAcceptNonceStrictlyGreater(t *testing.T) {
	cases := []struct {
		cursor, nonce uint64
		wantErr       bool
	}{
		{0, 1, false},
		{4, 5, false},
		{4, 100, false}, // gaps are allowed
		{5, 5, true},
		{5, 4, true},
		{5, 0, true},
	}
	for _, tc := range cases {
		err := AcceptNonce(tc.cursor, tc.nonce)
		if tc.wantErr && !errors.Is(err, ErrInvalidNonce) {
			t.Fatalf("cursor=%d nonce=%d: err = %v, want ErrInvalidNonce", tc.cursor, tc.nonce, err)
		}
		if !tc.wantErr && err != nil {
			t.Fatalf("cursor=%d nonce=%d: unexpected err %v", tc.cursor, tc.nonce, err)
		}
	}
}

func TestAcceptTimestampWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tol := int64(TimestampTolerance / time.Second)

	if err := AcceptTimestamp(now.Unix(), now); err != nil {
		t.Fatalf("exact now: %v", err)
	}
	if err := AcceptTimestamp(now.Unix()-tol, now); err != nil {
		t.Fatalf("oldest allowed: %v", err)
	}
	if err := AcceptTimestamp(now.Unix()+tol, now); err != nil {
		t.Fatalf("newest allowed: %v", err)
	}
	if err := AcceptTimestamp(now.Unix()-tol-1, now); !errors.Is(err, ErrMessageTooOld) {
		t.Fatalf("past window: err = %v, want ErrMessageTooOld", err)
	}
	if err := AcceptTimestamp(now.Unix()+tol+1, now); !errors.Is(err, ErrMessageFromFuture) {
		t.Fatalf("future window: err = %v, want ErrMessageFromFuture", err)
	}
}

func TestAcceptOrdering(t *testing.T) {
	// The nonce rule is checked before the timing rule: a replayed nonce
	// with a stale timestamp reports the replay, not the staleness.
	now := time.Unix(1_700_000_000, 0)
	err := Accept(10, 10, 0, now)
	if !errors.Is(err, ErrInvalidNonce) {
		t.Fatalf("err = %v, want ErrInvalidNonce", err)
	}
	if err := Accept(4, 5, now.Unix(), now); err != nil {
		t.Fatalf("valid pair rejected: %v", err)
	}
}
