package session

import "github.com/mm-agent/voicecall/internal/transport"

// Phase is the controller's position in the call lifecycle.
type Phase string

const (
	PhaseIdle                 Phase = "idle"
	PhaseRequestingPermission Phase = "requestingPermission"
	PhaseConnecting           Phase = "connecting"
	PhaseConnected            Phase = "connected"
	PhaseReconnecting         Phase = "reconnecting"
	PhaseDisconnecting        Phase = "disconnecting"
	PhaseError                Phase = "error"
)

// MicPermission is the last known microphone permission.
type MicPermission string

const (
	MicGranted MicPermission = "granted"
	MicDenied  MicPermission = "denied"
	MicPrompt  MicPermission = "prompt"
	MicUnknown MicPermission = "unknown"
)

// State is a snapshot of the controller. Observers receive copies.
type State struct {
	Phase         Phase          `json:"phase"`
	EndpointName  string         `json:"endpointName"`
	TransportMode transport.Mode `json:"transportMode"`
	ErrorMessage  *string        `json:"errorMessage"`
	MicPermission MicPermission  `json:"micPermission"`
}

func initialState() State {
	return State{
		Phase:         PhaseIdle,
		TransportMode: transport.ModeRealtime,
		MicPermission: MicUnknown,
	}
}

// Active reports whether a call is being set up or is up.
func (s State) Active() bool {
	switch s.Phase {
	case PhaseRequestingPermission, PhaseConnecting, PhaseConnected, PhaseReconnecting:
		return true
	}
	return false
}

// Observer receives every published snapshot, synchronously and in
// subscription order. Implementations must not call back into the
// controller from OnState.
type Observer interface {
	OnState(State)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(State)

func (f ObserverFunc) OnState(s State) { f(s) }
