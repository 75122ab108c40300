package chat

import "sort"

// Log is the append-only, createdAt-ordered message list of one session. It is
// owned by a single goroutine and is not safe for concurrent use.
type Log struct {
	items []Message
	ids   map[string]struct{}
}

// NewLog creates an empty Log.
func NewLog() *Log {
	return &Log{ids: make(map[string]struct{})}
}

// Append adds msg to the tail. Duplicates (same id) and messages older than the
// current tail are rejected; equal timestamps are accepted. It reports whether
// the message was added.
func (l *Log) Append(msg Message) bool {
	if msg.ID == "" {
		return false
	}
	if _, dup := l.ids[msg.ID]; dup {
		return false
	}
	if n := len(l.items); n > 0 && msg.Before(l.items[n-1]) {
		return false
	}
	l.items = append(l.items, msg)
	l.ids[msg.ID] = struct{}{}
	return true
}

// Replace discards the current contents and rebuilds the log from history.
// History is ordered by createdAt first (stable, so server order breaks ties)
// and then fed through Append.
func (l *Log) Replace(history []Message) {
	sorted := make([]Message, len(history))
	copy(sorted, history)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Before(sorted[j])
	})

	l.Clear()
	for _, m := range sorted {
		l.Append(m)
	}
}

// Clear empties the log.
func (l *Log) Clear() {
	l.items = nil
	l.ids = make(map[string]struct{})
}

// Contains reports whether a message with id is in the log.
func (l *Log) Contains(id string) bool {
	_, ok := l.ids[id]
	return ok
}

// Len returns the number of messages.
func (l *Log) Len() int {
	return len(l.items)
}

// Last returns the newest message.
func (l *Log) Last() (Message, bool) {
	if len(l.items) == 0 {
		return Message{}, false
	}
	return l.items[len(l.items)-1], true
}

// Messages returns a copy of the log in chronological order (oldest first).
// The result is never nil.
func (l *Log) Messages() []Message {
	out := make([]Message, len(l.items))
	copy(out, l.items)
	return out
}
