package chatsync

import "whatsnep/internal/domain/chat"

// directory owns the ordered conversation list of the signed in user.
//
// Refreshes are all-or-nothing and numbered; a result is applied only if no
// later refresh has been applied already, so slow responses never roll the
// list back.
type directory struct {
	self     string
	convs    []chat.Conversation
	issued   uint64
	applied  uint64
	inflight int
}

func newDirectory(self string) *directory {
	return &directory{self: self}
}

// begin registers a refresh and returns its generation.
func (d *directory) begin() uint64 {
	d.issued++
	d.inflight++
	return d.issued
}

func (d *directory) finish() {
	if d.inflight > 0 {
		d.inflight--
	}
}

func (d *directory) loading() bool {
	return d.inflight > 0
}

// apply replaces the list with a fetch result, re-deriving OtherUser from the
// participant slot that differs from the signed in user.
func (d *directory) apply(gen uint64, fetched []chat.Conversation) bool {
	if gen <= d.applied {
		return false
	}
	d.applied = gen
	local := make(map[string]chat.Conversation, len(d.convs))
	for _, conv := range d.convs {
		local[conv.ID] = conv
	}
	next := make([]chat.Conversation, 0, len(fetched))
	for _, conv := range fetched {
		conv = conv.Clone()
		// A preview touched locally after the fetch was read stays.
		if cur, ok := local[conv.ID]; ok && cur.LastMessageAt.After(conv.LastMessageAt) {
			conv.LastMessage = cur.LastMessage
			conv.LastMessageAt = cur.LastMessageAt
		}
		conv.OtherUser = nil
		if other, ok := conv.Member(conv.OtherParticipant(d.self)); ok {
			conv.OtherUser = &other
		}
		next = append(next, conv)
	}
	chat.SortByActivity(next)
	d.convs = next
	return true
}

// touch patches the denormalized preview after a local send.
func (d *directory) touch(id string, preview chat.Preview) {
	for i := range d.convs {
		if d.convs[i].ID != id {
			continue
		}
		if preview.LastMessageAt.Before(d.convs[i].LastMessageAt) {
			return
		}
		d.convs[i].LastMessage = preview.LastMessage
		d.convs[i].LastMessageAt = preview.LastMessageAt
		chat.SortByActivity(d.convs)
		return
	}
}

func (d *directory) get(id string) (chat.Conversation, bool) {
	for _, conv := range d.convs {
		if conv.ID == id {
			return conv.Clone(), true
		}
	}
	return chat.Conversation{}, false
}

func (d *directory) list() []chat.Conversation {
	out := make([]chat.Conversation, 0, len(d.convs))
	for _, conv := range d.convs {
		out = append(out, conv.Clone())
	}
	return out
}

// partners returns the resolved other participants currently in view.
func (d *directory) partners() []chat.User {
	out := make([]chat.User, 0, len(d.convs))
	for _, conv := range d.convs {
		if conv.OtherUser != nil {
			out = append(out, *conv.OtherUser)
		}
	}
	return out
}
