package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/opentorque/resv/internal/resv"
)

// Health reports that the daemon is serving.
func Health(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// ListReservations handles GET /v1/reservations.
func (h *Handler) ListReservations(c echo.Context) error {
	list, err := h.b.ShowReservations(userName(c))
	if err != nil {
		return fail(c, err)
	}
	if list == nil {
		list = []resv.Info{}
	}
	return c.JSON(http.StatusOK, list)
}

// GetReservation handles GET /v1/reservations/:name. Reservations hidden
// from the caller look the same as missing ones.
func (h *Handler) GetReservation(c echo.Context) error {
	name := c.Param("name")
	list, err := h.b.ShowReservations(userName(c))
	if err != nil {
		return fail(c, err)
	}
	if i := slices.IndexFunc(list, func(info resv.Info) bool { return info.Name == name }); i >= 0 {
		return c.JSON(http.StatusOK, list[i])
	}
	return fail(c, errors.Wrapf(resv.ErrReservationInvalid, "reservation %s", name))
}

// CreateReservation handles POST /v1/reservations.
func (h *Handler) CreateReservation(c echo.Context) error {
	var d resv.Desc
	if err := c.Bind(&d); err != nil {
		return fail(c, errors.Wrap(ErrBadRequest, "invalid request body"))
	}
	info, err := h.b.CreateReservation(&d)
	if err != nil {
		h.log.Info("Create reservation failed", zap.String("user", userName(c)), zap.Error(err))
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, info)
}

// UpdateReservation handles PUT /v1/reservations/:name.
func (h *Handler) UpdateReservation(c echo.Context) error {
	var d resv.Desc
	if err := c.Bind(&d); err != nil {
		return fail(c, errors.Wrap(ErrBadRequest, "invalid request body"))
	}
	d.Name = c.Param("name")
	info, err := h.b.UpdateReservation(&d)
	if err != nil {
		h.log.Info("Update reservation failed", zap.String("user", userName(c)),
			zap.String("reservation", d.Name), zap.Error(err))
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

// DeleteReservation handles DELETE /v1/reservations/:name.
func (h *Handler) DeleteReservation(c echo.Context) error {
	if err := h.b.DeleteReservation(c.Param("name")); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// SubmitJob handles POST /v1/jobs. Callers other than operators submit as
// themselves.
func (h *Handler) SubmitJob(c echo.Context) error {
	var req JobRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, errors.Wrap(ErrBadRequest, "invalid request body"))
	}
	user := userName(c)
	if req.User == "" || !h.b.IsOperator(user) {
		req.User = user
	}
	info, err := h.b.SubmitJob(&req)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, info)
}

// SetJobState handles PUT /v1/jobs/:id/state with body {"state": "RUNNING"}.
func (h *Handler) SetJobState(c echo.Context) error {
	id, err := jobID(c)
	if err != nil {
		return fail(c, err)
	}
	var body struct {
		State string `json:"state"`
	}
	if err := c.Bind(&body); err != nil || body.State == "" {
		return fail(c, errors.Wrap(ErrBadRequest, "state is required"))
	}
	info, err := h.b.SetJobState(id, strings.ToUpper(body.State))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

// TestJob handles GET /v1/jobs/:id/resv-test?when=RFC3339&move=true.
func (h *Handler) TestJob(c echo.Context) error {
	id, err := jobID(c)
	if err != nil {
		return fail(c, err)
	}
	var when time.Time
	if s := c.QueryParam("when"); s != "" {
		if when, err = time.Parse(time.RFC3339, s); err != nil {
			return fail(c, errors.Wrapf(ErrBadRequest, "when %q", s))
		}
	}
	move := false
	if s := c.QueryParam("move"); s != "" {
		if move, err = strconv.ParseBool(s); err != nil {
			return fail(c, errors.Wrapf(ErrBadRequest, "move %q", s))
		}
	}
	res, err := h.b.TestJob(id, when, move)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// SetNodeState handles PUT /v1/nodes/:name/state with body
// {"state": "down", "reason": "..."}.
func (h *Handler) SetNodeState(c echo.Context) error {
	var body struct {
		State  string `json:"state"`
		Reason string `json:"reason"`
	}
	if err := c.Bind(&body); err != nil || body.State == "" {
		return fail(c, errors.Wrap(ErrBadRequest, "state is required"))
	}
	name := c.Param("name")
	if err := h.b.SetNodeState(name, body.State, body.Reason); err != nil {
		return fail(c, err)
	}
	h.log.Info("Node state set", zap.String("node", name), zap.String("state", body.State),
		zap.String("user", userName(c)))
	return c.NoContent(http.StatusNoContent)
}

func jobID(c echo.Context) (uint32, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		return 0, errors.Wrapf(ErrBadRequest, "job id %q", c.Param("id"))
	}
	return uint32(id), nil
}
