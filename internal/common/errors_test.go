package common

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf_ClassifiedError(t *testing.T) {
	err := E(KindQuotaExceeded, "too many jobs")
	if got := KindOf(err); got != KindQuotaExceeded {
		t.Errorf("KindOf() = %v, want %v", got, KindQuotaExceeded)
	}
}

func TestKindOf_WrappedError(t *testing.T) {
	inner := E(KindNotFound, "job missing")
	outer := fmt.Errorf("lookup failed: %w", inner)
	if got := KindOf(outer); got != KindNotFound {
		t.Errorf("KindOf() through fmt.Errorf wrap = %v, want %v", got, KindNotFound)
	}
}

func TestKindOf_UnclassifiedDefaultsToInternal(t *testing.T) {
	err := errors.New("socket closed")
	if got := KindOf(err); got != KindInternal {
		t.Errorf("KindOf() = %v, want %v", got, KindInternal)
	}
}

func TestError_UnwrapPreservesCause(t *testing.T) {
	cause := errors.New("conn refused")
	err := WrapErr(KindInternal, cause, "record store write failed")
	if !errors.Is(err, cause) {
		t.Error("errors.Is() lost the wrapped cause")
	}
}

func TestDefaultDetail_KnownKinds(t *testing.T) {
	for _, kind := range []Kind{
		KindUnauthenticated, KindUnauthorized, KindUnknownBackend,
		KindBackendUnavailable, KindQuotaExceeded, KindPayloadTooLarge,
		KindResourceExhausted, KindNotFound, KindAlreadyTerminal,
		KindIllegalTransition, KindConcurrentModification, KindInternal,
	} {
		if DefaultDetail(kind) == "" {
			t.Errorf("DefaultDetail(%v) is empty", kind)
		}
	}
}

func TestDefaultDetail_UnknownKindFallsBack(t *testing.T) {
	if got := DefaultDetail(Kind("BOGUS")); got != DefaultDetail(KindInternal) {
		t.Errorf("DefaultDetail(BOGUS) = %q, want the INTERNAL message", got)
	}
}

func TestRetryOnce_SecondAttemptSucceeds(t *testing.T) {
	calls := 0
	err := RetryOnce(context.Background(), func() error {
		calls++
		if calls == 1 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Errorf("RetryOnce() = %v, want nil after retry", err)
	}
	if calls != 2 {
		t.Errorf("fn called %d times, want 2", calls)
	}
}

func TestRetryOnce_BothAttemptsFail(t *testing.T) {
	calls := 0
	err := RetryOnce(context.Background(), func() error {
		calls++
		return errors.New("still down")
	})
	if err == nil {
		t.Error("RetryOnce() = nil, want error when both attempts fail")
	}
	if calls != 2 {
		t.Errorf("fn called %d times, want 2", calls)
	}
}

func TestRetryOnce_NoRetryAfterContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := RetryOnce(ctx, func() error {
		calls++
		cancel()
		return errors.New("interrupted")
	})
	if err == nil {
		t.Error("RetryOnce() = nil, want error")
	}
	if calls != 1 {
		t.Errorf("fn called %d times, want 1 (no retry after cancel)", calls)
	}
}
