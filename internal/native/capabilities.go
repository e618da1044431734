package native

import "fmt"

// Version identifies a native library release.
type Version struct {
	Major int
	Minor int
	Patch int
	// CommDump is set by builds that expose communicator state dumps.
	CommDump bool
}

// String formats the version as major.minor.patch.
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

func (v Version) atLeast(minor int) bool {
	return v.Major >= 3 || (v.Major == 2 && v.Minor >= minor)
}

// Capabilities is the feature set resolved once from a library version.
// Optional operations consult it and return InvalidUsage when unsupported
// instead of being compiled away.
type Capabilities struct {
	ErrorChecking bool `json:"error_checking"`
	P2P           bool `json:"p2p"`
	PremulSum     bool `json:"premul_sum"`
	GetLastError  bool `json:"get_last_error"`
	RemoteError   bool `json:"remote_error"`
	NonBlocking   bool `json:"nonblocking"`
	CTACGA        bool `json:"cta_cga"`
	Split         bool `json:"split"`
	Register      bool `json:"register"`
	CommDump      bool `json:"comm_dump"`
}

// Resolve derives the capability set for v.
func Resolve(v Version) Capabilities {
	return Capabilities{
		ErrorChecking: v.atLeast(4),
		P2P:           v.atLeast(7),
		PremulSum:     v.atLeast(11),
		GetLastError:  v.atLeast(13),
		RemoteError:   v.atLeast(13),
		NonBlocking:   v.atLeast(14),
		CTACGA:        v.atLeast(17),
		Split:         v.atLeast(18),
		Register:      v.atLeast(19),
		CommDump:      v.CommDump,
	}
}

// CapabilitiesOf resolves the capability set of lib.
func CapabilitiesOf(lib Library) Capabilities {
	return Resolve(lib.Version())
}
