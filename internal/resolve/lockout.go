package resolve

import (
	"sync"
	"time"
)

// Lockout tracks failed token verifications and blocks keys temporarily.
type Lockout struct {
	mu        sync.RWMutex
	attempts  map[string]*attemptRecord
	threshold int
	window    time.Duration
	cleanup   *time.Ticker
	wg        sync.WaitGroup
	stopCh    chan struct{}
	now       func() time.Time
}

type attemptRecord struct {
	count        int
	firstAttempt time.Time
	mu           sync.Mutex
}

// NewLockout blocks a key after threshold failures within window.
func NewLockout(threshold int, window time.Duration) *Lockout {
	l := &Lockout{
		attempts:  make(map[string]*attemptRecord),
		threshold: threshold,
		window:    window,
		cleanup:   time.NewTicker(window * 2),
		stopCh:    make(chan struct{}),
		now:       time.Now,
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.cleanupLoop()
	}()

	return l
}

// RecordFailure increments the failed attempt counter for the given key.
func (l *Lockout) RecordFailure(key string) {
	l.mu.RLock()
	record, exists := l.attempts[key]
	l.mu.RUnlock()

	if !exists {
		l.mu.Lock()
		// Double-check after acquiring write lock
		record, exists = l.attempts[key]
		if !exists {
			record = &attemptRecord{firstAttempt: l.now()}
			l.attempts[key] = record
		}
		l.mu.Unlock()
	}

	record.mu.Lock()
	defer record.mu.Unlock()

	now := l.now()
	if now.Sub(record.firstAttempt) >= l.window {
		record.count = 1
		record.firstAttempt = now
	} else {
		record.count++
	}
}

// Blocked reports whether key has too many recent failures.
func (l *Lockout) Blocked(key string) bool {
	l.mu.RLock()
	record, exists := l.attempts[key]
	l.mu.RUnlock()

	if !exists {
		return false
	}

	record.mu.Lock()
	defer record.mu.Unlock()

	if l.now().Sub(record.firstAttempt) >= l.window {
		return false
	}
	return record.count >= l.threshold
}

// Clear resets the counter for key after a successful verification.
func (l *Lockout) Clear(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, key)
}

func (l *Lockout) cleanupLoop() {
	for {
		select {
		case <-l.cleanup.C:
			l.mu.Lock()
			now := l.now()
			for key, record := range l.attempts {
				record.mu.Lock()
				if now.Sub(record.firstAttempt) > l.window*2 {
					delete(l.attempts, key)
				}
				record.mu.Unlock()
			}
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *Lockout) Stop() {
	close(l.stopCh)
	l.cleanup.Stop()
	l.wg.Wait()
}
