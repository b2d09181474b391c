package server

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"unicode"
)

// Lines exchanged with clients. The greeting lines keep their historical
// spelling and duplication because deployed clients match on them.
const (
	replyIDTaken    = "ID_TAKEN"
	replyIDAccepted = "ID_ACCEPTED"

	cmdQuit           = "QUIT"
	cmdRequestDetails = "REQUEST_DETAILS"
	cmdApproveDetails = "APPROVE_DETAILS"
	cmdDenyDetails    = "DENY_DETAILS"
	cmdPingMembers    = "PING_MEMBERS"
	cmdPong           = "PONG"

	pushPingRequest        = "PING_REQUEST"
	pushDetailsDenied      = "DETAILS_DENIED"
	pushDetailsRequestFrom = "DETAILS_REQUEST_FROM "
	pushPromoted           = "You are now the coordinator."

	systemPrefix = "SYSTEM: "
)

type commandKind int

const (
	kindBroadcast commandKind = iota
	kindPrivate
	kindQuit
	kindPong
	kindRequestDetails
	kindApproveDetails
	kindDenyDetails
	kindPingMembers
)

func (k commandKind) String() string {
	switch k {
	case kindPrivate:
		return "private"
	case kindQuit:
		return "quit"
	case kindPong:
		return "pong"
	case kindRequestDetails:
		return "request_details"
	case kindApproveDetails:
		return "approve_details"
	case kindDenyDetails:
		return "deny_details"
	case kindPingMembers:
		return "ping_members"
	default:
		return "broadcast"
	}
}

// command is one parsed inbound line from an active session.
type command struct {
	kind   commandKind
	target string
	body   string
}

// parseLine classifies an inbound line. The returned command always carries
// its kind, even when the error is ErrMalformedCommand.
func parseLine(line string) (command, error) {
	switch line {
	case cmdQuit:
		return command{kind: kindQuit}, nil
	case cmdRequestDetails:
		return command{kind: kindRequestDetails}, nil
	case cmdPingMembers:
		return command{kind: kindPingMembers}, nil
	case cmdPong:
		return command{kind: kindPong}, nil
	}

	if target, ok := commandArgument(line, cmdApproveDetails); ok {
		return argumentCommand(kindApproveDetails, target)
	}
	if target, ok := commandArgument(line, cmdDenyDetails); ok {
		return argumentCommand(kindDenyDetails, target)
	}

	if strings.HasPrefix(line, "@") {
		return parsePrivate(line)
	}

	return command{kind: kindBroadcast, body: line}, nil
}

// commandArgument reports whether line is the keyword, alone or followed by
// a space, and returns the first argument if any.
func commandArgument(line, keyword string) (string, bool) {
	if line != keyword && !strings.HasPrefix(line, keyword+" ") {
		return "", false
	}
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", true
	}
	return fields[1], true
}

func argumentCommand(kind commandKind, target string) (command, error) {
	if target == "" {
		return command{kind: kind}, fmt.Errorf("%s without a target: %w", kind, ErrMalformedCommand)
	}
	return command{kind: kind, target: target}, nil
}

// parsePrivate splits "@<handle><message>". The handle is the longest run of
// letters and digits after the '@'; the remainder, trimmed, is the body.
func parsePrivate(line string) (command, error) {
	rest := line[1:]
	end := strings.IndexFunc(rest, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if end < 0 {
		end = len(rest)
	}

	target := rest[:end]
	if target == "" {
		return command{kind: kindPrivate}, fmt.Errorf("private message without a handle: %w", ErrMalformedCommand)
	}
	return command{
		kind:   kindPrivate,
		target: target,
		body:   strings.TrimSpace(rest[end:]),
	}, nil
}

func coordinatorGreeting() []string {
	return []string{"you are the coordinator.", "You are the coordinator."}
}

func memberGreeting(handle, coordinator string) []string {
	return []string{
		fmt.Sprintf("welcome %s the current coordiantor is %s", handle, coordinator),
		fmt.Sprintf("Welcome %s the current coordiantor is %s", handle, coordinator),
	}
}

func formatBroadcast(sender, text string) string {
	return sender + ": " + text
}

func formatPrivate(sender, body string) string {
	return sender + "(private): " + body
}

func joinedAnnouncement(handle string) string {
	return handle + " has joined the chat."
}

func leftAnnouncement(handle string) string {
	return handle + " has left the chat."
}

func coordinatorAnnouncement(handle string) string {
	return handle + " is now the coordinator."
}

// memberDetail is one row of the details snapshot.
type memberDetail struct {
	Handle string
	IP     string
	Port   int
}

func newMemberDetail(handle string, addr net.Addr) memberDetail {
	d := memberDetail{Handle: handle}
	if addr == nil {
		return d
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		d.IP = addr.String()
		return d
	}
	d.IP = host
	d.Port, _ = strconv.Atoi(port)
	return d
}

// formatDetails renders the membership snapshot as a single multi-line push.
func formatDetails(members []memberDetail, coordinator string) string {
	var b strings.Builder
	b.WriteString("MEMBER DETAILS:\n")
	for _, m := range members {
		fmt.Fprintf(&b, "ID: %s, IP: %s, Port: %d\n", m.Handle, m.IP, m.Port)
	}
	b.WriteString("COORDINATOR: ")
	b.WriteString(coordinator)
	return b.String()
}
