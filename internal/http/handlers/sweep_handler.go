package handlers

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// SweepResponse reports the per-outcome counts of one sweep run.
type SweepResponse struct {
	Expired   int `json:"expired"`
	Rerouted  int `json:"rerouted"`
	Delivered int `json:"delivered"`
	Blocked   int `json:"blocked"`
	Failed    int `json:"failed"`
}

// TriggerSweep godoc
// @ID          triggerSweep
// @Summary     Run one delivery sweep
// @Description Operator endpoint: expires unresolvable letters, retries resolution,
// @Description and finalizes due deliveries. Guarded by a shared secret header.
// @Tags        Internal
// @Produce     json
// @Param       X-Sweep-Token header string true "Shared sweep secret"
// @Success     200 {object} handlers.SweepResponse
// @Failure     401 {object} handlers.ErrorResponse "Bad or missing token"
// @Failure     500 {object} handlers.ErrorResponse "Sweep failed"
// @Router      /internal/sweep [post]
func (h *Handlers) TriggerSweep(c *gin.Context) {
	token := c.GetHeader("X-Sweep-Token")
	if h.sweepSecret == "" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(h.sweepSecret)) != 1 {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid sweep token")
		return
	}

	sum, err := h.sweepSvc.Run(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeSweepFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, SweepResponse{
		Expired:   sum.Expired,
		Rerouted:  sum.Rerouted,
		Delivered: sum.Delivered,
		Blocked:   sum.Blocked,
		Failed:    sum.Failed,
	})
}
