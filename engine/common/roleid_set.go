package common

// RoleIDSet is the data structure for a set of role IDs
type RoleIDSet map[RoleID]struct{}

// Add adds a role ID to RoleIDSet
func (rs RoleIDSet) Add(roid RoleID) {
	rs[roid] = struct{}{}
}

// Del removes a role ID from RoleIDSet
func (rs RoleIDSet) Del(roid RoleID) {
	delete(rs, roid)
}

// Contains checks if role ID is in RoleIDSet
func (rs RoleIDSet) Contains(roid RoleID) bool {
	_, ok := rs[roid]
	return ok
}

// ToList convert RoleIDSet to a slice of role IDs
func (rs RoleIDSet) ToList() []RoleID {
	list := make([]RoleID, 0, len(rs))
	for roid := range rs {
		list = append(list, roid)
	}
	return list
}

func (rs RoleIDSet) ForEach(cb func(roid RoleID) bool) {
	for roid := range rs {
		if !cb(roid) {
			break
		}
	}
}
