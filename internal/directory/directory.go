// Package directory keeps the console's view of which sessions are waiting in
// the queue and which are active for the local agent. It is the only writer of
// session records and reconciles two inputs: bulk snapshot reads and
// incremental push events.
//
// Snapshots and push events race. Every push patch stamps the session it
// touches with a local sequence number, and removals leave a tombstone. A
// snapshot carries the sequence observed when its read was issued, and only
// asserts authority over sessions not patched since then.
//
// A Directory is not safe for concurrent use; it is driven from the control
// loop.
package directory

import (
	"sort"

	"github.com/cuts-ae/support/internal/chat"
	"github.com/cuts-ae/support/internal/session"
)

type tombKind int

const (
	// closed sessions never come back.
	tombClosed tombKind = iota + 1
	// taken sessions were accepted by another agent; they must not reappear
	// in the queue but may come back as ours after a reassignment.
	tombTaken
)

type tombstone struct {
	seq  uint64
	kind tombKind
}

// Directory holds session records keyed by id.
type Directory struct {
	agentID  string
	sessions map[string]*session.Session
	stamps   map[string]uint64
	tombs    map[string]tombstone
	seq      uint64
}

// New creates an empty Directory for agentID.
func New(agentID string) *Directory {
	return &Directory{
		agentID:  agentID,
		sessions: make(map[string]*session.Session),
		stamps:   make(map[string]uint64),
		tombs:    make(map[string]tombstone),
	}
}

// AgentID returns the local agent the active view is filtered on.
func (d *Directory) AgentID() string {
	return d.agentID
}

// Seq returns the sequence of the latest push patch. Capture it when a
// snapshot read is issued and hand it back to ApplySnapshot.
func (d *Directory) Seq() uint64 {
	return d.seq
}

// ---------------------------------------------------------------------------
// Snapshot reconciliation
// ---------------------------------------------------------------------------

// ApplySnapshot replaces the waiting and active subsets with a snapshot read
// issued when Seq() was readSeq. Sessions patched by push events after readSeq
// keep their pushed state, sessions removed after readSeq are not resurrected,
// and client-side preview and unread state is preserved. It reports whether
// any view changed.
func (d *Directory) ApplySnapshot(entries []session.Session, readSeq uint64) bool {
	changed := false

	fresh := make(map[string]session.Session, len(entries))
	for _, s := range entries {
		if s.ID == "" || !d.relevant(s) {
			continue
		}
		fresh[s.ID] = s
	}

	// Absent from a read that is newer than every patch we hold for it.
	for id := range d.sessions {
		if _, ok := fresh[id]; ok || d.stamps[id] > readSeq {
			continue
		}
		d.drop(id)
		changed = true
	}

	for id, s := range fresh {
		if t, ok := d.tombs[id]; ok && t.seq > readSeq {
			continue
		}
		local, ok := d.sessions[id]
		if !ok {
			rec := s.Clone()
			rec.LastMessage = nil
			rec.UnreadCount = 0
			d.sessions[id] = &rec
			d.stamps[id] = readSeq
			changed = true
			continue
		}

		prev := *local
		fillMetadata(local, s)
		if d.stamps[id] <= readSeq && s.Status.Rank() >= local.Status.Rank() {
			local.Status = s.Status
			local.AssignedAgentID = s.AssignedAgentID
		}
		if !sameDisplay(prev, *local) {
			changed = true
		}
	}

	for id, t := range d.tombs {
		if t.seq <= readSeq {
			delete(d.tombs, id)
		}
	}

	return changed
}

// relevant reports whether a snapshot entry belongs in one of the two views.
func (d *Directory) relevant(s session.Session) bool {
	switch s.Status {
	case session.StatusWaiting:
		return true
	case session.StatusActive:
		return s.AssignedTo(d.agentID)
	}
	return false
}

// ---------------------------------------------------------------------------
// Push patches
// ---------------------------------------------------------------------------

// StatusChanged applies session_status_changed. A session turning active
// leaves the queue without being assumed ours; closed removes it. Statuses
// never move backwards and removed sessions are not revived.
func (d *Directory) StatusChanged(id string, status session.Status) bool {
	seq := d.next()

	if status == session.StatusClosed {
		return d.remove(id, seq, tombClosed)
	}
	if _, removed := d.tombs[id]; removed {
		return false
	}

	d.stamps[id] = seq
	s, ok := d.sessions[id]
	if !ok {
		d.sessions[id] = &session.Session{ID: id, Status: status}
		return true
	}
	if status.Rank() <= s.Status.Rank() {
		return false
	}
	s.Status = status
	return true
}

// ChatAccepted applies chat_accepted. Acceptance by the local agent upserts the
// session as active and ours; acceptance by anyone else removes it.
func (d *Directory) ChatAccepted(rec session.Session, agentID string) bool {
	seq := d.next()

	if t, ok := d.tombs[rec.ID]; ok && t.kind == tombClosed {
		return false
	}
	if d.agentID == "" || agentID != d.agentID {
		return d.remove(rec.ID, seq, tombTaken)
	}

	delete(d.tombs, rec.ID)
	d.stamps[rec.ID] = seq
	s, ok := d.sessions[rec.ID]
	if !ok {
		s = &session.Session{ID: rec.ID}
		d.sessions[rec.ID] = s
	}
	prev := *s
	fillMetadata(s, rec)
	s.Status = session.StatusActive
	s.AssignedAgentID = agentID
	return !ok || !sameDisplay(prev, *s)
}

// ChatClosed applies chat_closed.
func (d *Directory) ChatClosed(id string) bool {
	return d.remove(id, d.next(), tombClosed)
}

// MessageReceived updates the session preview. Customer messages count as
// unread unless the session is being viewed. Messages for unknown sessions,
// repeats and messages older than the current preview are ignored.
func (d *Directory) MessageReceived(msg chat.Message, viewed bool) bool {
	s, ok := d.sessions[msg.SessionID]
	if !ok {
		return false
	}
	if last := s.LastMessage; last != nil && (last.ID == msg.ID || msg.Before(*last)) {
		return false
	}
	m := msg
	s.LastMessage = &m
	if msg.FromCustomer() && !viewed {
		s.UnreadCount++
	}
	return true
}

// MarkRead clears the unread counter of id.
func (d *Directory) MarkRead(id string) bool {
	s, ok := d.sessions[id]
	if !ok || s.UnreadCount == 0 {
		return false
	}
	s.UnreadCount = 0
	return true
}

// ---------------------------------------------------------------------------
// Views
// ---------------------------------------------------------------------------

// Queue returns waiting sessions, oldest first.
func (d *Directory) Queue() []session.Session {
	return d.view(func(s *session.Session) bool { return s.Status == session.StatusWaiting })
}

// Active returns sessions active and assigned to the local agent, oldest
// first.
func (d *Directory) Active() []session.Session {
	return d.view(func(s *session.Session) bool { return s.AssignedTo(d.agentID) })
}

// Sessions returns the queue followed by the active view.
func (d *Directory) Sessions() []session.Session {
	return append(d.Queue(), d.Active()...)
}

// Get returns a copy of the record for id.
func (d *Directory) Get(id string) (session.Session, bool) {
	s, ok := d.sessions[id]
	if !ok {
		return session.Session{}, false
	}
	return s.Clone(), true
}

// InQueue reports whether id is in the queue view.
func (d *Directory) InQueue(id string) bool {
	s, ok := d.sessions[id]
	return ok && s.Status == session.StatusWaiting
}

// InActive reports whether id is in the active view.
func (d *Directory) InActive(id string) bool {
	s, ok := d.sessions[id]
	return ok && s.AssignedTo(d.agentID)
}

// Counts returns the sizes of the queue and active views.
func (d *Directory) Counts() (queue, active int) {
	for _, s := range d.sessions {
		switch {
		case s.Status == session.StatusWaiting:
			queue++
		case s.AssignedTo(d.agentID):
			active++
		}
	}
	return queue, active
}

func (d *Directory) view(keep func(*session.Session) bool) []session.Session {
	out := make([]session.Session, 0)
	for _, s := range d.sessions {
		if keep(s) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

func (d *Directory) next() uint64 {
	d.seq++
	return d.seq
}

// remove drops id and leaves a tombstone. A closed tombstone is never
// downgraded. It reports whether a record was dropped.
func (d *Directory) remove(id string, seq uint64, kind tombKind) bool {
	_, existed := d.sessions[id]
	d.drop(id)
	if t, ok := d.tombs[id]; ok && t.kind == tombClosed {
		kind = tombClosed
	}
	d.tombs[id] = tombstone{seq: seq, kind: kind}
	return existed
}

func (d *Directory) drop(id string) {
	delete(d.sessions, id)
	delete(d.stamps, id)
}

// fillMetadata copies descriptive fields from src that dst lacks or that src
// knows better. Status, assignment and client-side counters are untouched.
func fillMetadata(dst *session.Session, src session.Session) {
	if src.SubjectLabel != "" {
		dst.SubjectLabel = src.SubjectLabel
	}
	if src.CustomerID != "" {
		dst.CustomerID = src.CustomerID
	}
	if !src.CreatedAt.IsZero() {
		dst.CreatedAt = src.CreatedAt
	}
}

// sameDisplay reports whether a and b render identically in the views.
func sameDisplay(a, b session.Session) bool {
	return a.Status == b.Status &&
		a.AssignedAgentID == b.AssignedAgentID &&
		a.SubjectLabel == b.SubjectLabel &&
		a.CustomerID == b.CustomerID &&
		a.CreatedAt.Equal(b.CreatedAt)
}
