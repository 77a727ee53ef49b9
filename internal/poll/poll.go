// Package poll implements live opinion polls: the vote registry, the
// one-active-vote-per-user invariant, and broadcast of the full authoritative
// poll state on every change.
package poll

import "time"

// Option is one answer a poll offers. Options are immutable after creation.
type Option struct {
	ID   string `json:"optionId"`
	Text string `json:"text"`
}

// Vote is one user's current choice. A user holds at most one vote per poll.
type Vote struct {
	UserID   string `json:"userId"`
	OptionID string `json:"optionId"`
}

// Poll is the persisted poll entity. Votes always reflect the complete
// current registry; the wire protocol transmits polls whole, never as deltas.
type Poll struct {
	ID        string    `json:"_id"`
	EventID   string    `json:"eventId"`
	CreatorID string    `json:"creatorId"`
	Question  string    `json:"question"`
	Options   []Option  `json:"options"`
	Votes     []Vote    `json:"votes"`
	CreatedAt time.Time `json:"createdAt"`
}

// HasOption reports whether the poll offers the given option id.
func (p *Poll) HasOption(optionID string) bool {
	for _, o := range p.Options {
		if o.ID == optionID {
			return true
		}
	}
	return false
}

// VoteOf returns userID's current vote, if any.
func (p *Poll) VoteOf(userID string) (Vote, bool) {
	for _, v := range p.Votes {
		if v.UserID == userID {
			return v, true
		}
	}
	return Vote{}, false
}

// Tally returns the vote count per option id. Options with no votes are
// present with a zero count.
func (p *Poll) Tally() map[string]int {
	counts := make(map[string]int, len(p.Options))
	for _, o := range p.Options {
		counts[o.ID] = 0
	}
	for _, v := range p.Votes {
		counts[v.OptionID]++
	}
	return counts
}
