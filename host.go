package partstat

import "strings"

// HostIdentity names a machine. Hosts compare by their short name, so
// "node001" and "node001.cluster.local" are the same host.
type HostIdentity struct {
	FullName  string
	ShortName string
}

// NewHostIdentity returns the identity of the host called name.
func NewHostIdentity(name string) HostIdentity {
	short := name
	if i := strings.IndexByte(name, '.'); i >= 0 {
		short = name[:i]
	}
	return HostIdentity{FullName: name, ShortName: short}
}

func (h HostIdentity) Equal(other HostIdentity) bool {
	return h.ShortName == other.ShortName
}

func (h HostIdentity) Less(other HostIdentity) bool {
	return h.ShortName < other.ShortName
}

func (h HostIdentity) String() string {
	return h.FullName
}
