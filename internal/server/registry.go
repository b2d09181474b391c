// Package server coordinates handle registration, coordinator election and
// membership snapshots for the relay via the Registry type.
package server

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

type member struct {
	session *Session
	seq     uint64
}

// Registry maps handles to live sessions and tracks the coordinator.
// Every compound operation runs under mu. The coordinator claim is a
// compare-and-set on hasCoordinator, and hasCoordinator is true exactly when
// coordinator is non-empty.
type Registry struct {
	mu             sync.Mutex
	members        map[string]*member
	nextSeq        uint64
	coordinator    string
	hasCoordinator atomic.Bool

	log     logrus.FieldLogger
	metrics *metrics
}

// newRegistry creates an empty registry.
func newRegistry(log logrus.FieldLogger, m *metrics) *Registry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if m == nil {
		m = newMetrics()
	}
	return &Registry{
		members: make(map[string]*member),
		log:     log,
		metrics: m,
	}
}

// TryRegister inserts handle for s, greets s with its role and announces the
// join to everyone else. It returns ErrHandleTaken if handle is present.
func (r *Registry) TryRegister(handle string, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.members[handle]; exists {
		r.metrics.registrationsRejected.Inc()
		return ErrHandleTaken
	}

	r.nextSeq++
	s.setHandle(handle)
	r.members[handle] = &member{session: s, seq: r.nextSeq}
	r.metrics.handlesRegistered.Set(float64(len(r.members)))

	s.send(replyIDAccepted)
	if r.hasCoordinator.CompareAndSwap(false, true) {
		r.coordinator = handle
		r.metrics.coordinatorElections.Inc()
		for _, line := range coordinatorGreeting() {
			s.send(line)
		}
	} else {
		for _, line := range memberGreeting(handle, r.coordinator) {
			s.send(line)
		}
	}

	r.announceLocked(joinedAnnouncement(handle), handle)
	return nil
}

// Unregister removes handle. Removing an absent handle does nothing.
func (r *Registry) Unregister(handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregisterLocked(handle, nil)
}

// release removes s only if it still owns its handle.
func (r *Registry) release(s *Session) {
	handle := s.Handle()
	if handle == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregisterLocked(handle, s)
}

func (r *Registry) unregisterLocked(handle string, owner *Session) {
	m, ok := r.members[handle]
	if !ok || (owner != nil && m.session != owner) {
		return
	}

	delete(r.members, handle)
	r.metrics.handlesRegistered.Set(float64(len(r.members)))
	r.log.WithField("handle", handle).Info("Handle unregistered")
	r.announceLocked(leftAnnouncement(handle), "")

	if handle != r.coordinator {
		return
	}

	if len(r.members) == 0 {
		r.coordinator = ""
		r.hasCoordinator.Store(false)
		return
	}

	next := r.orderedLocked()[0]
	handoff := next.session.Handle()
	r.coordinator = handoff
	r.metrics.coordinatorElections.Inc()
	next.session.send(pushPromoted)
	r.announceLocked(coordinatorAnnouncement(handoff), handoff)
}

// Coordinator returns the current coordinator handle.
func (r *Registry) Coordinator() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.coordinator, r.hasCoordinator.Load()
}

// Lookup returns the session registered under handle, or nil.
func (r *Registry) Lookup(handle string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.members[handle]; ok {
		return m.session
	}
	return nil
}

// Len returns the number of registered handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Handles returns the registered handles in join order.
func (r *Registry) Handles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ordered := r.orderedLocked()
	handles := make([]string, len(ordered))
	for i, m := range ordered {
		handles[i] = m.session.Handle()
	}
	return handles
}

// others returns every session except the one registered as exclude.
// An empty exclude returns all sessions.
func (r *Registry) others(exclude string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.othersLocked(exclude)
}

// othersIfCoordinator returns the sessions other than sender, but only when
// sender is the coordinator at the moment of the call.
func (r *Registry) othersIfCoordinator(sender string) ([]*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.hasCoordinator.Load() || r.coordinator != sender {
		return nil, false
	}
	return r.othersLocked(sender), true
}

// details snapshots every member with its peer address plus the coordinator.
func (r *Registry) details() ([]memberDetail, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ordered := r.orderedLocked()
	rows := make([]memberDetail, 0, len(ordered))
	for _, m := range ordered {
		rows = append(rows, newMemberDetail(m.session.Handle(), m.session.RemoteAddr()))
	}
	return rows, r.coordinator
}

// inactive returns registered sessions with no liveness signal for longer
// than threshold.
func (r *Registry) inactive(threshold time.Duration) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []*Session
	for _, m := range r.orderedLocked() {
		if m.session.InactiveFor(threshold) {
			stale = append(stale, m.session)
		}
	}
	return stale
}

func (r *Registry) orderedLocked() []*member {
	ordered := make([]*member, 0, len(r.members))
	for _, m := range r.members {
		ordered = append(ordered, m)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].seq < ordered[j].seq })
	return ordered
}

func (r *Registry) othersLocked(exclude string) []*Session {
	sessions := make([]*Session, 0, len(r.members))
	for _, m := range r.orderedLocked() {
		if exclude != "" && m.session.Handle() == exclude {
			continue
		}
		sessions = append(sessions, m.session)
	}
	return sessions
}

func (r *Registry) announceLocked(text, exclude string) {
	systemBroadcast(r.log, r.othersLocked(exclude), text)
}
