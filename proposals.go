package davey

// pendingProposal is one external-sender proposal staged for the next
// commit, identified by the digest of its serialized form.
type pendingProposal struct {
	id       ProposalID
	proposal Proposal
	epoch    Epoch
}

// proposalQueue buffers proposals between process_proposals calls.
// Entries survive until they are committed, revoked, or invalidated by
// an epoch transition.
type proposalQueue struct {
	entries []pendingProposal
}

func (q *proposalQueue) append(id ProposalID, p Proposal, epoch Epoch) {
	for _, e := range q.entries {
		if e.id.Equals(id) {
			return
		}
	}
	q.entries = append(q.entries, pendingProposal{id: id, proposal: p, epoch: epoch})
}

// revoke drops queued proposals matching the given refs. Unknown refs
// are ignored; the gateway may revoke proposals we never saw.
func (q *proposalQueue) revoke(ids []ProposalID) int {
	removed := 0
	kept := q.entries[:0]
	for _, e := range q.entries {
		match := false
		for _, id := range ids {
			if e.id.Equals(id) {
				match = true
				break
			}
		}
		if match {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept
	return removed
}

func (q *proposalQueue) clear() {
	q.entries = nil
}

func (q *proposalQueue) empty() bool {
	return len(q.entries) == 0
}

func (q *proposalQueue) snapshot() []Proposal {
	out := make([]Proposal, len(q.entries))
	for i, e := range q.entries {
		out[i] = e.proposal
	}
	return out
}
