package pharmacy

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hospital/hms/internal/platform/apperr"
	"github.com/hospital/hms/pkg/pagination"
)

// -- Dispensed Drug Handlers --

func (h *Handler) Dispense(c echo.Context) error {
	var in DispenseInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	x, err := h.svc.Dispense(c.Request().Context(), in)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, x)
}

func (h *Handler) GetDispensed(c echo.Context) error {
	id, err := pagination.PathUUID(c, "id")
	if err != nil {
		return err
	}
	x, err := h.svc.GetDispensed(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, x)
}

func (h *Handler) ListDispensed(c echo.Context) error {
	pg := pagination.FromContext(c)
	var f DispensedFilter
	var err error
	if f.PrescriptionID, err = pagination.UUIDParam(c, "prescriptionId"); err != nil {
		return err
	}
	if f.PatientID, err = pagination.UUIDParam(c, "patientId"); err != nil {
		return err
	}
	if f.DrugID, err = pagination.UUIDParam(c, "drugId"); err != nil {
		return err
	}
	if f.BatchID, err = pagination.UUIDParam(c, "batchId"); err != nil {
		return err
	}
	if f.From, err = pagination.TimeParam(c, "startDate"); err != nil {
		return err
	}
	if f.To, err = pagination.TimeParam(c, "endDate"); err != nil {
		return err
	}
	if f.Sort, err = pagination.SortFromContext(c, DispensedSortFields, DefaultDispensedSort); err != nil {
		return err
	}
	items, total, err := h.svc.SearchDispensed(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(orEmpty(items), total, pg))
}

func (h *Handler) UpdateDispensed(c echo.Context) error {
	id, err := pagination.PathUUID(c, "id")
	if err != nil {
		return err
	}
	var u DispenseUpdate
	if err := c.Bind(&u); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	x, err := h.svc.UpdateDispensed(c.Request().Context(), id, u)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, x)
}

func (h *Handler) ReverseDispensed(c echo.Context) error {
	id, err := pagination.PathUUID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.ReverseDispensed(c.Request().Context(), id); err != nil {
		return apperr.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) DispenseStats(c echo.Context) error {
	st, err := h.svc.DispenseStats(c.Request().Context())
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) DispensedByPrescription(c echo.Context) error {
	id, err := pagination.PathUUID(c, "prescriptionId")
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.DispensedByPrescription(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(orEmpty(items), total, pg))
}

func (h *Handler) DispensedByPatient(c echo.Context) error {
	id, err := pagination.PathUUID(c, "patientId")
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.DispensedByPatient(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(orEmpty(items), total, pg))
}
