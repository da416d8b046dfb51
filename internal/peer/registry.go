package peer

import (
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/mes-im/callkit/internal/util"
)

// PCFactory builds the PeerConnection behind each Link. Injecting it keeps
// the media engine (codecs, interceptors, capture pipeline) out of this
// package.
type PCFactory func() (*webrtc.PeerConnection, error)

// NewPCFactory returns a PCFactory with default codecs and interceptors,
// configured with the given STUN/TURN servers.
func NewPCFactory(iceServers []string) PCFactory {
	return func() (*webrtc.PeerConnection, error) {
		mediaEngine := &webrtc.MediaEngine{}
		if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
			return nil, err
		}

		registry := &interceptor.Registry{}
		if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
			return nil, err
		}

		api := webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(registry),
		)

		cfg := webrtc.Configuration{}
		if len(iceServers) > 0 {
			cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
		}
		return api.NewPeerConnection(cfg)
	}
}

// Registry maps participant ids to their Link. Entries are owned by the
// registry: insert and remove are explicit, lookups never alias a removed
// entry, and a participant id is unique for the lifetime of one session.
// Ids are reused freely across sessions.
type Registry struct {
	newPC PCFactory

	mu    sync.Mutex
	links map[int64]*Link
}

// NewRegistry creates an empty registry building PeerConnections with newPC.
func NewRegistry(newPC PCFactory) *Registry {
	return &Registry{
		newPC: newPC,
		links: make(map[int64]*Link),
	}
}

// Get returns the existing Link for a participant or creates one bound to
// the given role. Creation is idempotent per participant: a second Get keeps
// the first link and its role.
func (r *Registry) Get(participant int64, role Role) (*Link, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.links[participant]; ok {
		return l, nil
	}
	pc, err := r.newPC()
	if err != nil {
		return nil, err
	}
	l := newLink(participant, role, pc)
	r.links[participant] = l
	return l, nil
}

// Lookup returns the Link for a participant, if any.
func (r *Registry) Lookup(participant int64) (*Link, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.links[participant]
	return l, ok
}

// Remove releases the participant's Link and its negotiation resources.
// Safe to call on an already-removed id.
func (r *Registry) Remove(participant int64) {
	r.mu.Lock()
	l, ok := r.links[participant]
	delete(r.links, participant)
	r.mu.Unlock()
	if ok {
		if err := l.Close(); err != nil {
			util.LogWarning("close link for participant %d: %v", participant, err)
		}
	}
}

// RemoveAll tears down every Link. Used on call end.
func (r *Registry) RemoveAll() {
	r.mu.Lock()
	links := r.links
	r.links = make(map[int64]*Link)
	r.mu.Unlock()
	for id, l := range links {
		if err := l.Close(); err != nil {
			util.LogWarning("close link for participant %d: %v", id, err)
		}
	}
}

// Len returns the number of live links.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.links)
}

// Each calls fn for every live link. The callback must not call back into
// the registry.
func (r *Registry) Each(fn func(*Link)) {
	r.mu.Lock()
	links := make([]*Link, 0, len(r.links))
	for _, l := range r.links {
		links = append(links, l)
	}
	r.mu.Unlock()
	for _, l := range links {
		fn(l)
	}
}
