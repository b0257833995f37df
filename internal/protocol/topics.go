package protocol

import (
	"fmt"
	"strings"
)

// Topic kinds within a gateway namespace.
const (
	KindDownLink    = "down_link"
	KindUpLink      = "up_link"
	KindDownLinkAck = "down_link_ack"
	KindHeartbeat   = "heartbeat"
)

// Subscription filters used by the authority to listen to every gateway.
const (
	FilterUpLink      = "/+/" + KindUpLink
	FilterDownLinkAck = "/+/" + KindDownLinkAck
	FilterHeartbeat   = "/+/" + KindHeartbeat
)

// TopicSet is the deterministic topic namespace of one gateway.
type TopicSet struct {
	DownLink    string
	UpLink      string
	DownLinkAck string
	Heartbeat   string
}

// Topics derives the topic namespace for gatewayID.
func Topics(gatewayID string) TopicSet {
	prefix := "/" + gatewayID + "/"
	return TopicSet{
		DownLink:    prefix + KindDownLink,
		UpLink:      prefix + KindUpLink,
		DownLinkAck: prefix + KindDownLinkAck,
		Heartbeat:   prefix + KindHeartbeat,
	}
}

// ParseTopic splits a gateway topic into its gateway id and kind.
func ParseTopic(topic string) (gatewayID, kind string, ok bool) {
	parts := strings.Split(strings.TrimPrefix(topic, "/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		return "", "", false
	}
	switch parts[1] {
	case KindDownLink, KindUpLink, KindDownLinkAck, KindHeartbeat:
		return parts[0], parts[1], true
	}
	return "", "", false
}

// MatchTopic reports whether topic matches an MQTT style filter, where "+"
// matches exactly one level and a trailing "#" matches any remainder.
func MatchTopic(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	for i, f := range fp {
		if f == "#" {
			return i == len(fp)-1
		}
		if i >= len(tp) {
			return false
		}
		if f != "+" && f != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}

// LockID derives the conventional identifier of the n-th lock (1-based) on
// a gateway.
func LockID(gatewayID string, n int) string {
	return fmt.Sprintf("lock_%s_%d", gatewayID, n)
}
