package scanner

import (
	"context"
	"time"
)

// watchdog is an alarm re-armed by scan progress. When it fires, the scan
// context is cancelled with ErrScanStalled as the cause.
type watchdog struct {
	interval time.Duration
	timer    *time.Timer
}

// arm derives a scan context guarded by the watchdog and installs the dog so
// Keepalive can reach it. The returned disarm func stops the timer and
// releases the context.
func (s *Scanner) arm(ctx context.Context) (context.Context, func()) {
	secs := s.cfg.Agent.WatchdogSecs
	if secs <= 0 {
		return ctx, func() {}
	}

	interval := time.Duration(secs) * time.Second
	ctx, cancel := context.WithCancelCause(ctx)
	dog := &watchdog{interval: interval}
	dog.timer = time.AfterFunc(interval, func() {
		cancel(ErrScanStalled)
	})

	s.mu.Lock()
	s.dog = dog
	s.mu.Unlock()

	return ctx, func() {
		dog.timer.Stop()
		s.mu.Lock()
		s.dog = nil
		s.mu.Unlock()
		cancel(nil)
	}
}

// Keepalive re-arms the watchdog. Wired into the crawler as both the clone
// progress callback and the per-commit tick, so a slow scan stays alive while
// a stuck one does not.
func (s *Scanner) Keepalive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dog != nil {
		s.dog.timer.Reset(s.dog.interval)
	}
}
