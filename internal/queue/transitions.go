package queue

import "github.com/Swaathy05/new-queue-hack/internal/models"

const (
	actionCall     = "call"
	actionComplete = "complete"
	actionDefer    = "defer"
	actionRemove   = "remove"
)

var transitionMap = map[string][]string{
	actionCall:     {models.StatusWaiting},
	actionComplete: {models.StatusServing},
	actionDefer:    {models.StatusServing},
	actionRemove:   {models.StatusWaiting, models.StatusServing},
}

func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}

func allowedFrom(action string) []string {
	return transitionMap[action]
}
