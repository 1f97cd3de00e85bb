package effects

import (
	"strings"

	"github.com/himscore/statesync/internal/state"
)

const (
	PhaseRequested = "requested"
	PhaseSucceeded = "succeeded"
	PhaseFailed    = "failed"
)

// RequestedType builds the intent action type for an operation, following
// the <domain>/<operation>/<phase> convention the UI layer dispatches.
func RequestedType(domain, operation string) string {
	return domain + "/" + operation + "/" + PhaseRequested
}

func SucceededType(domain, operation string) string {
	return domain + "/" + operation + "/" + PhaseSucceeded
}

func FailedType(domain, operation string) string {
	return domain + "/" + operation + "/" + PhaseFailed
}

// Intent builds the action that asks the coordinator to run an operation.
func Intent(domain, operation string, payload any) state.Action {
	return state.Action{Type: RequestedType(domain, operation), Payload: payload}
}

// splitIntent parses an action type into its convention parts. The second
// return is false for anything that is not a requested intent.
func splitIntent(actionType string) (key string, ok bool) {
	parts := strings.Split(actionType, "/")
	if len(parts) != 3 || parts[2] != PhaseRequested {
		return "", false
	}
	if parts[0] == "" || parts[1] == "" {
		return "", false
	}
	return parts[0] + "/" + parts[1], true
}
