package pharmacy

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hospital/hms/internal/platform/apperr"
	"github.com/hospital/hms/pkg/pagination"
)

// -- Batch Handlers --

func (h *Handler) CreateBatch(c echo.Context) error {
	var in CreateBatchInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	b, err := h.svc.CreateBatch(c.Request().Context(), in)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, b)
}

func (h *Handler) GetBatch(c echo.Context) error {
	id, err := pagination.PathUUID(c, "id")
	if err != nil {
		return err
	}
	b, err := h.svc.GetBatch(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) ListBatches(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := BatchFilter{Search: c.QueryParam("search"), Supplier: c.QueryParam("supplier")}
	var err error
	if f.DrugID, err = pagination.UUIDParam(c, "drugId"); err != nil {
		return err
	}
	soon, err := pagination.BoolParam(c, "expiringSoon")
	if err != nil {
		return err
	}
	f.ExpiringSoon = soon != nil && *soon
	if f.ManufacturedFrom, err = pagination.TimeParam(c, "startDate"); err != nil {
		return err
	}
	if f.ManufacturedTo, err = pagination.TimeParam(c, "endDate"); err != nil {
		return err
	}
	if f.Sort, err = pagination.SortFromContext(c, BatchSortFields, DefaultBatchSort); err != nil {
		return err
	}
	items, total, err := h.svc.SearchBatches(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(orEmpty(items), total, pg))
}

func (h *Handler) UpdateBatch(c echo.Context) error {
	id, err := pagination.PathUUID(c, "id")
	if err != nil {
		return err
	}
	var u BatchUpdate
	if err := c.Bind(&u); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	b, err := h.svc.UpdateBatch(c.Request().Context(), id, u)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) RemoveBatch(c echo.Context) error {
	id, err := pagination.PathUUID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.RemoveBatch(c.Request().Context(), id); err != nil {
		return apperr.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) AdjustQuantity(c echo.Context) error {
	id, err := pagination.PathUUID(c, "id")
	if err != nil {
		return err
	}
	var in AdjustInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.AdjustQuantity(c.Request().Context(), id, in)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) BatchAdjustments(c echo.Context) error {
	id, err := pagination.PathUUID(c, "id")
	if err != nil {
		return err
	}
	items, err := h.svc.BatchAdjustments(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, orEmpty(items))
}

func (h *Handler) DrugBatchHistory(c echo.Context) error {
	drugID, err := pagination.PathUUID(c, "drugId")
	if err != nil {
		return err
	}
	items, err := h.svc.DrugBatchHistory(c.Request().Context(), drugID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, orEmpty(items))
}

func (h *Handler) ExpirationStats(c echo.Context) error {
	st, err := h.svc.ExpirationStats(c.Request().Context())
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) ExpiringSoonBatches(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ExpiringSoonBatches(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(orEmpty(items), total, pg))
}

func (h *Handler) LowStockBatches(c echo.Context) error {
	items, err := h.svc.LowStockBatches(c.Request().Context())
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, orEmpty(items))
}
