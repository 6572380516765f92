package session

// State is the phase of the current turn.
type State int32

const (
	StateIdle State = iota
	StateSending
	StateAwaitingModel
	StateProcessing
	StatePersisting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateAwaitingModel:
		return "awaiting_model"
	case StateProcessing:
		return "processing"
	case StatePersisting:
		return "persisting"
	default:
		return "unknown"
	}
}

// MarshalText 让状态以字符串形式出现在 JSON 中。
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
