package progress

import (
	"fmt"
	"sync"
	"time"
)

// Broadcaster is a job's append-only event log. Each emitted entry is stored
// in history and queued to every current Subscription; a subscriber that
// attaches late first receives the full history. Close appends the terminal
// message and seals the log.
type Broadcaster struct {
	mu      sync.Mutex
	history []LogEntry
	subs    map[*Subscription]struct{}
	scraped int
	total   int
	final   *Message

	jobID   [16]byte
	forward Emitter
	now     func() time.Time
}

// Option customizes a Broadcaster.
type Option func(*Broadcaster)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(b *Broadcaster) {
		if now != nil {
			b.now = now
		}
	}
}

// WithForward mirrors every entry to an operator Emitter (typically a Hub)
// tagged with the job id.
func WithForward(jobID [16]byte, e Emitter) Option {
	return func(b *Broadcaster) {
		b.jobID = jobID
		b.forward = e
	}
}

// NewBroadcaster creates a Broadcaster whose entries report total as the cap.
func NewBroadcaster(total int, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		subs:  make(map[*Subscription]struct{}),
		total: total,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Emit appends an entry carrying the current counters. Entries emitted after
// Close are discarded.
func (b *Broadcaster) Emit(level Level, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emitLocked(level, message)
}

// EmitCount updates the scraped counter and emits in one step so the entry
// reflects the new count.
func (b *Broadcaster) EmitCount(level Level, scraped int, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.final != nil {
		return
	}
	if scraped > b.scraped {
		b.scraped = scraped
	}
	b.emitLocked(level, message)
}

// Infof emits an info entry.
func (b *Broadcaster) Infof(format string, args ...any) {
	b.Emit(LevelInfo, fmt.Sprintf(format, args...))
}

// Warnf emits a warn entry.
func (b *Broadcaster) Warnf(format string, args ...any) {
	b.Emit(LevelWarn, fmt.Sprintf(format, args...))
}

// Errorf emits an error entry.
func (b *Broadcaster) Errorf(format string, args ...any) {
	b.Emit(LevelError, fmt.Sprintf(format, args...))
}

// Successf emits a success entry.
func (b *Broadcaster) Successf(format string, args ...any) {
	b.Emit(LevelSuccess, fmt.Sprintf(format, args...))
}

func (b *Broadcaster) emitLocked(level Level, message string) {
	if b.final != nil {
		return
	}
	entry := LogEntry{
		Timestamp: b.now(),
		Level:     level,
		Message:   message,
		Scraped:   b.scraped,
		Total:     b.total,
	}
	b.history = append(b.history, entry)
	msg := entryMessage(entry)
	for sub := range b.subs {
		sub.push(msg, false)
	}
	if b.forward != nil {
		b.forward.Emit(Event{
			JobID:   b.jobID,
			TS:      entry.Timestamp,
			Stage:   StageLog,
			Level:   entry.Level,
			Note:    entry.Message,
			Scraped: entry.Scraped,
			Total:   entry.Total,
		})
	}
}

// Close seals the log with a terminal message carrying status and ends every
// subscription after it drains. Only the first call has an effect.
func (b *Broadcaster) Close(status string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.final != nil {
		return
	}
	msg := doneMessage(status)
	b.final = &msg
	for sub := range b.subs {
		sub.push(msg, true)
		delete(b.subs, sub)
	}
}

// Closed reports whether the terminal message has been emitted.
func (b *Broadcaster) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.final != nil
}

// Subscribe attaches a new observer. The full history (and the terminal
// message, if the log is sealed) is queued before Subscribe returns, so the
// observer sees every past entry before any live one.
func (b *Broadcaster) Subscribe() *Subscription {
	sub := newSubscription(b)
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, entry := range b.history {
		sub.push(entryMessage(entry), false)
	}
	if b.final != nil {
		sub.push(*b.final, true)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

func (b *Broadcaster) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// History returns a copy of every entry emitted so far.
func (b *Broadcaster) History() []LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]LogEntry, len(b.history))
	copy(out, b.history)
	return out
}

// Counters returns the scraped count and cap reported on entries.
func (b *Broadcaster) Counters() (scraped, total int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.scraped, b.total
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
