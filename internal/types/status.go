package types

// Inbox record lifecycle:
//
//	TO_DELIVER ──────────────► DELIVERED ───► (purged after the dedup window)
//	    │  ▲
//	    │  └── failed attempt, Attempt+1
//	    ▼
//	DEAD_LETTER ── replay ──► TO_DELIVER

// ValidTransition reports whether a record may move from one status to
// another.
func ValidTransition(from, to InboxStatus) bool {
	switch from {
	case StatusToDeliver:
		// A retried record stays pending with a higher attempt count.
		return to == StatusToDeliver || to == StatusDelivered || to == StatusDeadLetter
	case StatusDeadLetter:
		// Only an operator replay brings a dead letter back.
		return to == StatusToDeliver
	case StatusDelivered:
		// Terminal; the cleaner deletes it.
		return false
	}
	return false
}
