package callsession

import "github.com/interchat/core/internal/model"

// ringCapacity bounds the retained recent-messages ring per call (spec
// §4.9 step 6).
const ringCapacity = 50

// appendToRing appends msg to ring, trimming from the front once ringCapacity
// is exceeded. ReplyToIndex values already in ring shift left by the amount
// trimmed and are clamped to -1 if the referenced entry falls off.
func appendToRing(ring []model.CallMessage, msg model.CallMessage) []model.CallMessage {
	ring = append(ring, msg)
	if len(ring) <= ringCapacity {
		return ring
	}
	overflow := len(ring) - ringCapacity
	trimmed := make([]model.CallMessage, len(ring)-overflow)
	copy(trimmed, ring[overflow:])
	for i := range trimmed {
		if trimmed[i].ReplyToIndex < overflow {
			trimmed[i].ReplyToIndex = -1
			continue
		}
		trimmed[i].ReplyToIndex -= overflow
	}
	return trimmed
}
