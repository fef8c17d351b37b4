package bridge

import "github.com/BurntRouter/wampmeter/internal/wamp"

// Registry maps registration or subscription ids to their URI and last known
// peer count. It belongs to one Core and is only touched from the goroutine
// running that Core.
type Registry struct {
	uris map[wamp.ID]string
	// ids indexes the registry by URI. Several ids share a URI when exact
	// and prefix/wildcard entities overlap, or when the router recreates an
	// entity before the delete of the old one is seen.
	ids    map[string]map[wamp.ID]struct{}
	counts map[wamp.ID]int
}

func NewRegistry() *Registry {
	return &Registry{
		uris:   make(map[wamp.ID]string),
		ids:    make(map[string]map[wamp.ID]struct{}),
		counts: make(map[wamp.ID]int),
	}
}

func (r *Registry) Get(id wamp.ID) (string, bool) {
	uri, ok := r.uris[id]
	return uri, ok
}

func (r *Registry) Contains(id wamp.ID) bool {
	_, ok := r.uris[id]
	return ok
}

// Insert maps id to uri, returning the URI it replaced, if any. Moving id to
// another URI forgets its count.
func (r *Registry) Insert(id wamp.ID, uri string) (prev string, replaced bool) {
	prev, replaced = r.uris[id]
	if replaced {
		if prev == uri {
			return prev, true
		}
		r.unindex(prev, id)
		delete(r.counts, id)
	}
	r.uris[id] = uri
	if r.ids[uri] == nil {
		r.ids[uri] = make(map[wamp.ID]struct{})
	}
	r.ids[uri][id] = struct{}{}
	return prev, replaced
}

func (r *Registry) Remove(id wamp.ID) (string, bool) {
	uri, ok := r.uris[id]
	if !ok {
		return "", false
	}
	delete(r.uris, id)
	delete(r.counts, id)
	r.unindex(uri, id)
	return uri, true
}

// SetCount records the peer count of a known id.
func (r *Registry) SetCount(id wamp.ID, n int) bool {
	if _, ok := r.uris[id]; !ok {
		return false
	}
	r.counts[id] = n
	return true
}

// Total sums the known counts of every id mapping to uri. ok is false while
// no id of uri has a count yet.
func (r *Registry) Total(uri string) (total int, ok bool) {
	for id := range r.ids[uri] {
		if n, known := r.counts[id]; known {
			total += n
			ok = true
		}
	}
	return total, ok
}

// InUse reports whether any id still maps to uri.
func (r *Registry) InUse(uri string) bool {
	return len(r.ids[uri]) > 0
}

func (r *Registry) Len() int { return len(r.uris) }

// Snapshot copies the id to URI mapping.
func (r *Registry) Snapshot() map[wamp.ID]string {
	out := make(map[wamp.ID]string, len(r.uris))
	for id, uri := range r.uris {
		out[id] = uri
	}
	return out
}

func (r *Registry) unindex(uri string, id wamp.ID) {
	delete(r.ids[uri], id)
	if len(r.ids[uri]) == 0 {
		delete(r.ids, uri)
	}
}
