package delivery

// pendingReplies tracks the reply channel for every message submitted
// via MessageWithConfirmation that has not yet been confirmed. Entries
// are appended in strictly increasing seq_nr order (submission order),
// so acknowledgement is always a prefix-extraction against a plain
// ordered slice, with no need for a sort pass.
type pendingReplies[T any] struct {
	entries []pendingReply
}

type pendingReply struct {
	seqNr   SeqNr
	replyTo chan<- Confirmation
}

func (p *pendingReplies[T]) add(seqNr SeqNr, replyTo chan<- Confirmation) {
	p.entries = append(p.entries, pendingReply{seqNr: seqNr, replyTo: replyTo})
}

// take removes and returns the reply channel registered for seqNr, if
// any. Used when a message is handed off to a different carrier (e.g.
// rehomed to another worker after its original one is lost) so the
// confirmation obligation moves with it instead of being dropped.
func (p *pendingReplies[T]) take(seqNr SeqNr) (chan<- Confirmation, bool) {
	for i, entry := range p.entries {
		if entry.seqNr == seqNr {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			return entry.replyTo, true
		}
	}
	return nil, false
}

// dispatchUpTo delivers, in ascending seq_nr order, every pending reply
// with seqNr <= confirmed, removing them from the set. Each reply is
// sent on a best-effort, non-blocking basis: a full or abandoned reply
// channel must never stall the controller's event loop.
func (p *pendingReplies[T]) dispatchUpTo(confirmed SeqNr) {
	i := 0
	for i < len(p.entries) && p.entries[i].seqNr <= confirmed {
		entry := p.entries[i]
		select {
		case entry.replyTo <- Confirmation{SeqNr: entry.seqNr}:
		default:
			go func(e pendingReply) { e.replyTo <- Confirmation{SeqNr: e.seqNr} }(entry)
		}
		i++
	}
	p.entries = p.entries[i:]
}
