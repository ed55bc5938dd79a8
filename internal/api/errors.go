package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/opentorque/resv/internal/resv"
)

// Errors a Backend returns for conditions outside the reservation taxonomy.
var (
	ErrNotFound   = errors.New("not found")
	ErrBadRequest = errors.New("bad request")
	ErrConflict   = errors.New("conflict")
)

// StatusOf maps a backend error to an HTTP status.
func StatusOf(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	}
	switch code := resv.Code(err); {
	case code == 0:
		return http.StatusOK
	case code == resv.Code(resv.ErrReservationAccess):
		return http.StatusForbidden
	case code == resv.Code(resv.ErrReservationInvalid):
		return http.StatusNotFound
	case code == resv.Code(resv.ErrNodesBusy),
		code == resv.Code(resv.ErrReservationOverlap),
		code == resv.Code(resv.ErrReservationBusy):
		return http.StatusConflict
	case code == resv.Code(resv.ErrNotSupported):
		return http.StatusNotImplemented
	case code >= resv.Code(resv.ErrInvalidTimeValue) && code <= resv.Code(resv.ErrDefaultPartitionNotSet):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func fail(c echo.Context, err error) error {
	return c.JSON(StatusOf(err), echo.Map{"error": err.Error(), "code": resv.Code(err)})
}
