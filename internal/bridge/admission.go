package bridge

import (
	"slices"
	"strconv"
	"strings"

	"meshbridge/internal/domain"
)

// Policy decides which inbound messages get a reply.
type Policy struct {
	TriggerPrefix   string
	DMsOnly         bool
	AllowedChannels []int
	AllowedSenders  []string
}

// Admit applies the checks in order and stops at the first failure, whose
// name is returned as the reason.
func (p Policy) Admit(ev domain.InboundEvent) (bool, string) {
	if p.DMsOnly && !ev.IsDM {
		return false, "dm_only"
	}
	if len(p.AllowedChannels) > 0 && !ev.IsDM {
		if ev.Channel == nil || !slices.Contains(p.AllowedChannels, *ev.Channel) {
			return false, "channel_not_allowed"
		}
	}
	if len(p.AllowedSenders) > 0 && !p.senderAllowed(ev) {
		return false, "sender_not_allowed"
	}
	if p.TriggerPrefix != "" && !strings.HasPrefix(ev.Text, p.TriggerPrefix) {
		return false, "no_trigger"
	}
	return true, ""
}

func (p Policy) senderAllowed(ev domain.InboundEvent) bool {
	if slices.Contains(p.AllowedSenders, ev.SenderID) {
		return true
	}
	if ev.FromNum != nil {
		return slices.Contains(p.AllowedSenders, strconv.FormatUint(uint64(*ev.FromNum), 10))
	}
	return false
}

// DestinationFor addresses a reply to where ev came from: the sender for a
// direct message, otherwise the event's channel.
func DestinationFor(ev domain.InboundEvent) domain.Destination {
	if ev.IsDM {
		switch {
		case strings.HasPrefix(ev.SenderID, "!"):
			return domain.Destination{DM: true, NodeID: ev.SenderID}
		case ev.FromNum != nil:
			return domain.Destination{DM: true, NodeNum: *ev.FromNum}
		default:
			return domain.Destination{DM: true, NodeID: ev.SenderID}
		}
	}
	ch := 0
	if ev.Channel != nil {
		ch = *ev.Channel
	}
	return domain.Destination{Channel: ch}
}
