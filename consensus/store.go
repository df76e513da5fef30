package consensus

import (
	"sort"
	"sync"
)

// Absence records a peer that was queried but did not produce a usable vote.
type Absence struct {
	PeerID string `json:"peer_id"`
	Reason string `json:"reason"`
}

// ballot collects the results of the concurrent queries of one round. Each
// peer lands either in votes or in absent, never both.
type ballot struct {
	mtx    sync.Mutex
	votes  map[string]Vote
	absent map[string]string
}

func newBallot(size int) *ballot {
	return &ballot{
		votes:  make(map[string]Vote, size),
		absent: make(map[string]string),
	}
}

func (b *ballot) addVote(vote Vote) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	delete(b.absent, vote.PeerID)
	b.votes[vote.PeerID] = vote
}

func (b *ballot) addAbsence(peerID, reason string) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if _, ok := b.votes[peerID]; ok {
		return
	}
	b.absent[peerID] = reason
}

// sorted returns the votes and absences ordered by peer id. The order of
// arrival of the responses never leaks out of the ballot.
func (b *ballot) sorted() ([]Vote, []Absence) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	votes := make([]Vote, 0, len(b.votes))
	for _, v := range b.votes {
		votes = append(votes, v)
	}
	sort.Slice(votes, func(i, j int) bool { return votes[i].PeerID < votes[j].PeerID })

	absent := make([]Absence, 0, len(b.absent))
	for id, reason := range b.absent {
		absent = append(absent, Absence{PeerID: id, Reason: reason})
	}
	sort.Slice(absent, func(i, j int) bool { return absent[i].PeerID < absent[j].PeerID })
	return votes, absent
}
