package domain_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/clipstash/importd/internal/domain"
)

func TestKindRetryable(t *testing.T) {
	cases := []struct {
		kind      domain.ErrorKind
		retryable bool
	}{
		{domain.KindSourceInvalid, false},
		{domain.KindSourceDenied, false},
		{domain.KindSourceNotFound, false},
		{domain.KindSourceQuota, true},
		{domain.KindSourceUnavailable, true},
		{domain.KindEgressExhausted, true},
		{domain.KindSizeExceeded, false},
		{domain.KindOriginAPIError, true},
		{domain.KindOriginNetworkError, true},
		{domain.KindChildTimeout, true},
		{domain.KindManualKill, false},
		{domain.KindPermanentFailure, false},
	}
	for _, tc := range cases {
		if got := tc.kind.Retryable(); got != tc.retryable {
			t.Errorf("%s: retryable = %v, want %v", tc.kind, got, tc.retryable)
		}
	}
}

func TestKindOf(t *testing.T) {
	err := domain.NewImportError(domain.KindSizeExceeded, "too big", nil)
	if got := domain.KindOf(err); got != domain.KindSizeExceeded {
		t.Fatalf("KindOf = %s, want size-exceeded", got)
	}

	wrapped := fmt.Errorf("fetch: %w", err)
	if got := domain.KindOf(wrapped); got != domain.KindSizeExceeded {
		t.Fatalf("KindOf wrapped = %s, want size-exceeded", got)
	}

	if got := domain.KindOf(errors.New("mystery")); got != domain.KindSourceUnavailable {
		t.Fatalf("unclassified errors must stay retryable, got %s", got)
	}

	if got := domain.KindOf(fmt.Errorf("cancelled: %w", domain.ErrManualKill)); got != domain.KindManualKill {
		t.Fatalf("manual kill = %s, want manual-kill", got)
	}
}

func TestClassifyMessage(t *testing.T) {
	cases := []struct {
		msg  string
		want domain.ErrorKind
	}{
		{"ERROR: File not found", domain.KindPermanentFailure},
		{"this File Is Not A Video", domain.KindPermanentFailure},
		{"Access Denied by upstream", domain.KindPermanentFailure},
		{"401 unauthorized", domain.KindPermanentFailure},
		{"ERROR: Private video. Sign in.", domain.KindPermanentFailure},
		{"daily download quota exceeded", domain.KindSourceQuota},
		{"connection reset by peer", domain.KindSourceUnavailable},
	}
	for _, tc := range cases {
		if got := domain.ClassifyMessage(tc.msg); got != tc.want {
			t.Errorf("ClassifyMessage(%q) = %s, want %s", tc.msg, got, tc.want)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []domain.Status{domain.StatusWaiting, domain.StatusActive, domain.StatusDelayed} {
		if s.Terminal() {
			t.Errorf("%s must not be terminal", s)
		}
	}
	for _, s := range []domain.Status{domain.StatusCompleted, domain.StatusFailed} {
		if !s.Terminal() {
			t.Errorf("%s must be terminal", s)
		}
	}
}

func TestQualityMerge(t *testing.T) {
	q := &domain.Quality{Resolution: "1080p"}
	q.Merge(domain.Quality{Resolution: "720p", FPS: 30, VideoCodec: "avc1"})

	if q.Resolution != "1080p" {
		t.Fatalf("probe resolution overwritten: %s", q.Resolution)
	}
	if q.FPS != 30 || q.VideoCodec != "avc1" {
		t.Fatalf("empty fields not filled: %+v", q)
	}
}

func TestIdentityIsFallback(t *testing.T) {
	if !(domain.Identity{ID: "hardcoded-1"}).IsFallback() {
		t.Fatal("hardcoded-1 must be fallback")
	}
	if (domain.Identity{ID: "pool-7"}).IsFallback() {
		t.Fatal("pool-7 must not be fallback")
	}
}
