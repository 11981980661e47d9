package session

import "chatengine/internal/models"

// transitions lists the state changes driven by provider events and
// lifecycle calls. A manual reconnect may additionally move any state to
// connecting.
var transitions = map[models.SessionStatus][]models.SessionStatus{
	models.SessionStatusDisconnected: {models.SessionStatusConnecting},
	models.SessionStatusConnecting: {
		models.SessionStatusConnected,
		models.SessionStatusError,
		models.SessionStatusDisconnected,
	},
	models.SessionStatusConnected: {models.SessionStatusDisconnected},
	models.SessionStatusError:     nil,
}

// CanTransition reports whether from -> to is allowed without a manual reconnect.
func CanTransition(from, to models.SessionStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func canTransition(from, to models.SessionStatus, manual bool) bool {
	if manual && to == models.SessionStatusConnecting {
		return true
	}
	return CanTransition(from, to)
}
