package mesh

import "fmt"

// State is a step of a convergence pass.
type State int

const (
	StateStart State = iota
	StateIdentified
	StateDiscovered
	StateFiltered
	StateDeviceReconciled
	StateRoutesReconciled
	StateDone
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateIdentified:
		return "identified"
	case StateDiscovered:
		return "discovered"
	case StateFiltered:
		return "filtered"
	case StateDeviceReconciled:
		return "reconciled(device)"
	case StateRoutesReconciled:
		return "reconciled(routes)"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// step names the transition that leaves s.
func (s State) step() string {
	switch s {
	case StateStart:
		return "read interface identity"
	case StateIdentified:
		return "discover mesh"
	case StateDiscovered:
		return "select peers"
	case StateFiltered:
		return "replace device peers"
	case StateDeviceReconciled:
		return "add routes"
	default:
		return s.String()
	}
}

// PassError is returned by Mesh when a pass fails.
// Stage is the last state reached before the failure.
type PassError struct {
	Stage State
	Err   error
}

func (e *PassError) Error() string {
	return fmt.Sprintf("%s: %s", e.Stage.step(), e.Err)
}

func (e *PassError) Unwrap() error {
	return e.Err
}

// PeerNotPartOfMeshError is returned when this host's public key is not among the discovered members.
type PeerNotPartOfMeshError struct {
	PublicKey string
}

func (e *PeerNotPartOfMeshError) Error() string {
	return fmt.Sprintf("this peer is not part of the mesh (public key %s not found)", e.PublicKey)
}
