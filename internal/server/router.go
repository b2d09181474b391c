package server

import (
	"github.com/sirupsen/logrus"
)

// Router delivers lines to sessions resolved through the Registry. It holds
// no state of its own. Delivery is best-effort: a target that is gone or
// whose outbox is closed is skipped without affecting other targets.
type Router struct {
	registry *Registry
	log      logrus.FieldLogger
}

func newRouter(registry *Registry, log logrus.FieldLogger) *Router {
	return &Router{registry: registry, log: log}
}

// SendTo pushes text to the session registered as handle. It reports
// whether a live target accepted the line.
func (r *Router) SendTo(handle, text string) bool {
	target := r.registry.Lookup(handle)
	if target == nil {
		r.log.WithField("target", handle).Debug("Dropping line for unknown handle")
		return false
	}
	return target.send(text)
}

// Broadcast pushes text to every registered session except exclude.
// An empty exclude reaches everyone. It returns the number of recipients.
func (r *Router) Broadcast(text, exclude string) int {
	return deliver(r.registry.others(exclude), text)
}

// SystemBroadcast is Broadcast with the "SYSTEM: " prefix; the line is also
// written to the operational log.
func (r *Router) SystemBroadcast(text, exclude string) int {
	return systemBroadcast(r.log, r.registry.others(exclude), text)
}

// PingMembers sends a liveness probe to everyone but sender, provided sender
// is the coordinator. Requests from anyone else are ignored.
func (r *Router) PingMembers(sender string) int {
	targets, ok := r.registry.othersIfCoordinator(sender)
	if !ok {
		r.log.WithField("handle", sender).Debug("Ignoring PING_MEMBERS from non-coordinator")
		return 0
	}
	return deliver(targets, pushPingRequest)
}

// RequestDetails forwards a details request from requester to the
// coordinator. The coordinator asking for its own details is a no-op.
func (r *Router) RequestDetails(requester string) bool {
	coordinator, ok := r.registry.Coordinator()
	if !ok || coordinator == requester {
		return false
	}
	return r.SendTo(coordinator, pushDetailsRequestFrom+requester)
}

// SendDetails delivers the membership snapshot to handle.
func (r *Router) SendDetails(handle string) bool {
	rows, coordinator := r.registry.details()
	return r.SendTo(handle, formatDetails(rows, coordinator))
}

// DenyDetails tells handle that its details request was refused.
func (r *Router) DenyDetails(handle string) bool {
	return r.SendTo(handle, pushDetailsDenied)
}

func deliver(targets []*Session, text string) int {
	delivered := 0
	for _, s := range targets {
		if s.send(text) {
			delivered++
		}
	}
	return delivered
}

func systemBroadcast(log logrus.FieldLogger, targets []*Session, text string) int {
	log.Info(systemPrefix + text)
	return deliver(targets, systemPrefix+text)
}
