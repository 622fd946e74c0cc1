package main

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

type fakeLocker struct {
	acquired bool
	err      error
	calls    int
}

func (l *fakeLocker) TryAdvisoryLock(ctx context.Context) (bool, error) {
	l.calls++
	return l.acquired, l.err
}

func TestAcquireWriteLock(t *testing.T) {
	cases := []struct {
		name   string
		locker fakeLocker
		want   int
	}{
		{"acquired", fakeLocker{acquired: true}, exitOK},
		{"held by another process", fakeLocker{acquired: false}, exitConfig},
		{"store error", fakeLocker{err: errors.New("connection refused")}, exitStore},
	}
	for _, tc := range cases {
		got := acquireWriteLock(context.Background(), &tc.locker, zerolog.Nop())
		if got != tc.want {
			t.Errorf("%s: want exit code %d, got %d", tc.name, tc.want, got)
		}
		if tc.locker.calls != 1 {
			t.Errorf("%s: lock probed %d times", tc.name, tc.locker.calls)
		}
	}
}
