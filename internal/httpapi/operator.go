package httpapi

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/Swaathy05/new-queue-hack/internal/queue"
)

// HeaderOperatorID carries the operator identity established by the
// authentication layer in front of this service.
const HeaderOperatorID = "X-Operator-ID"

const operatorKey = "operator_id"

func requireOperator(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		operatorID := operatorIDFromRequest(c.Request())
		if operatorID == "" {
			return writeError(c, http.StatusUnauthorized, "unauthorized", "missing operator identity")
		}
		c.Set(operatorKey, operatorID)
		return next(c)
	}
}

func actorFrom(c echo.Context) queue.Actor {
	operatorID, _ := c.Get(operatorKey).(string)
	return queue.Actor{OperatorID: operatorID}
}

func operatorIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(HeaderOperatorID))
}
