package chatsync

// presence maps user ids to online state. It has two writers: the directory
// refresh (bulk snapshot) and live profile-update notifications.
//
// A live update delivered after a refresh was issued outranks that refresh's
// snapshot for the same user, since the snapshot was read before the update.
type presence struct {
	online map[string]bool
	live   map[string]uint64
	seq    uint64
}

func newPresence() *presence {
	return &presence{
		online: make(map[string]bool),
		live:   make(map[string]uint64),
	}
}

// mark returns the position a refresh captures when it is issued.
func (p *presence) mark() uint64 {
	return p.seq
}

// apply records a live change notification.
func (p *presence) apply(userID string, online bool) {
	if userID == "" {
		return
	}
	p.seq++
	p.online[userID] = online
	p.live[userID] = p.seq
}

// overwrite replaces the map with a refresh snapshot taken at position since.
func (p *presence) overwrite(snapshot map[string]bool, since uint64) {
	next := make(map[string]bool, len(snapshot))
	for id, online := range snapshot {
		next[id] = online
	}
	live := make(map[string]uint64)
	for id, at := range p.live {
		if at > since {
			next[id] = p.online[id]
			live[id] = at
		}
	}
	p.online = next
	p.live = live
}

func (p *presence) isOnline(userID string) bool {
	return p.online[userID]
}

func (p *presence) snapshot() map[string]bool {
	out := make(map[string]bool, len(p.online))
	for id, online := range p.online {
		out[id] = online
	}
	return out
}

func (p *presence) reset() {
	p.online = make(map[string]bool)
	p.live = make(map[string]uint64)
}
