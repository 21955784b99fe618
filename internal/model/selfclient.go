package model

import "sort"

// SelfClient is the sending device. It owns the set of remote devices
// that have no session yet. Every entity that failed to reach such a
// device is recorded against the device key, so an entity's missing set
// is always a subset of the global one.
type SelfClient struct {
	Client *Client

	missing map[ClientKey]map[ObjectID]struct{}
}

// NewSelfClient wraps the local device.
func NewSelfClient(c *Client) *SelfClient {
	return &SelfClient{
		Client:  c,
		missing: make(map[ClientKey]map[ObjectID]struct{}),
	}
}

func (s *SelfClient) ObjectID() ObjectID { return ObjectID("selfclient:" + s.Client.ID) }

// AddMissing records a device without session. Optional requesters are
// entities whose delivery waits on it.
func (s *SelfClient) AddMissing(key ClientKey, requesters ...ObjectID) {
	set, ok := s.missing[key]
	if !ok {
		set = make(map[ObjectID]struct{})
		s.missing[key] = set
	}

	for _, id := range requesters {
		set[id] = struct{}{}
	}
}

// ResolveMissing removes the device from the global set and from every
// entity's set. It returns the entities that were waiting on it.
func (s *SelfClient) ResolveMissing(key ClientKey) []ObjectID {
	set, ok := s.missing[key]
	if !ok {
		return nil
	}

	delete(s.missing, key)

	out := make([]ObjectID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out
}

// ForgetEntity drops all references to an entity without resolving the
// devices themselves.
func (s *SelfClient) ForgetEntity(id ObjectID) {
	for _, set := range s.missing {
		delete(set, id)
	}
}

// IsMissing reports whether the device is in the global set.
func (s *SelfClient) IsMissing(key ClientKey) bool {
	_, ok := s.missing[key]
	return ok
}

// HasMissing reports whether any device is missing.
func (s *SelfClient) HasMissing() bool { return len(s.missing) > 0 }

// Missing returns the global set in stable order.
func (s *SelfClient) Missing() []ClientKey {
	out := make([]ClientKey, 0, len(s.missing))
	for k := range s.missing {
		out = append(out, k)
	}

	SortClientKeys(out)

	return out
}

// MissingFor returns the devices the given entity waits on.
func (s *SelfClient) MissingFor(id ObjectID) []ClientKey {
	var out []ClientKey

	for k, set := range s.missing {
		if _, ok := set[id]; ok {
			out = append(out, k)
		}
	}

	SortClientKeys(out)

	return out
}

// HasMissingFrom reports whether any missing device belongs to one of
// the users.
func (s *SelfClient) HasMissingFrom(users []*User) bool {
	if len(s.missing) == 0 {
		return false
	}

	for _, u := range users {
		for k := range s.missing {
			if k.User == u.ID {
				return true
			}
		}
	}

	return false
}
