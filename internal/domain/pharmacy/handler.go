package pharmacy

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hospital/hms/internal/platform/apperr"
	"github.com/hospital/hms/internal/platform/auth"
	"github.com/hospital/hms/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, pharmacist, doctor, nurse
	read := api.Group("", auth.RequireRole(auth.RolePharmacist, auth.RoleDoctor, auth.RoleNurse))
	read.GET("/drugs", h.ListDrugs)
	read.GET("/drugs/categories", h.Categories)
	read.GET("/drugs/low-stock", h.LowStockDrugs)
	read.GET("/drugs/expiring-soon", h.ExpiringSoonDrugs)
	read.GET("/drugs/stats/inventory", h.InventoryStats)
	read.GET("/drugs/:id", h.GetDrug)
	read.GET("/drugs/:id/batches", h.DrugBatches)

	read.GET("/drug-batches", h.ListBatches)
	read.GET("/drug-batches/stats/expiration", h.ExpirationStats)
	read.GET("/drug-batches/expiring-soon", h.ExpiringSoonBatches)
	read.GET("/drug-batches/low-stock", h.LowStockBatches)
	read.GET("/drug-batches/drug/:drugId/history", h.DrugBatchHistory)
	read.GET("/drug-batches/:id", h.GetBatch)
	read.GET("/drug-batches/:id/adjustments", h.BatchAdjustments)

	read.GET("/dispensed-drugs", h.ListDispensed)
	read.GET("/dispensed-drugs/stats/overview", h.DispenseStats)
	read.GET("/dispensed-drugs/prescription/:prescriptionId", h.DispensedByPrescription)
	read.GET("/dispensed-drugs/patient/:patientId", h.DispensedByPatient)
	read.GET("/dispensed-drugs/:id", h.GetDispensed)

	// Write endpoints – admin, pharmacist
	write := api.Group("", auth.RequireRole(auth.RolePharmacist))
	write.POST("/drugs", h.CreateDrug)
	write.PATCH("/drugs/:id", h.UpdateDrug)
	write.POST("/drug-batches", h.CreateBatch)
	write.PATCH("/drug-batches/:id", h.UpdateBatch)
	write.PATCH("/drug-batches/:id/adjust-quantity", h.AdjustQuantity)
	write.POST("/dispensed-drugs", h.Dispense)
	write.PATCH("/dispensed-drugs/:id", h.UpdateDispensed)
	write.GET("/inventory/consistency", h.CheckConsistency)

	// Destructive endpoints – admin only
	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.DELETE("/drugs/:id", h.DeleteDrug)
	admin.DELETE("/drug-batches/:id", h.RemoveBatch)
	admin.DELETE("/dispensed-drugs/:id", h.ReverseDispensed)
	admin.POST("/inventory/reconcile", h.Reconcile)
}

func orEmpty[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

// -- Drug Handlers --

func (h *Handler) CreateDrug(c echo.Context) error {
	var d Drug
	if err := c.Bind(&d); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateDrug(c.Request().Context(), &d); err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, d)
}

func (h *Handler) GetDrug(c echo.Context) error {
	id, err := pagination.PathUUID(c, "id")
	if err != nil {
		return err
	}
	d, err := h.svc.GetDrug(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) ListDrugs(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := DrugFilter{Search: c.QueryParam("search"), Category: c.QueryParam("category")}
	var err error
	if f.InStock, err = pagination.BoolParam(c, "inStock"); err != nil {
		return err
	}
	if f.Sort, err = pagination.SortFromContext(c, DrugSortFields, DefaultDrugSort); err != nil {
		return err
	}
	items, total, err := h.svc.SearchDrugs(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(orEmpty(items), total, pg))
}

func (h *Handler) UpdateDrug(c echo.Context) error {
	id, err := pagination.PathUUID(c, "id")
	if err != nil {
		return err
	}
	var u DrugUpdate
	if err := c.Bind(&u); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	d, err := h.svc.UpdateDrug(c.Request().Context(), id, u)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) DeleteDrug(c echo.Context) error {
	id, err := pagination.PathUUID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.DeleteDrug(c.Request().Context(), id); err != nil {
		return apperr.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) DrugBatches(c echo.Context) error {
	id, err := pagination.PathUUID(c, "id")
	if err != nil {
		return err
	}
	soon, err := pagination.BoolParam(c, "expiringSoon")
	if err != nil {
		return err
	}
	items, err := h.svc.DrugBatches(c.Request().Context(), id, soon != nil && *soon)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, orEmpty(items))
}

func (h *Handler) InventoryStats(c echo.Context) error {
	st, err := h.svc.InventoryStats(c.Request().Context())
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) Categories(c echo.Context) error {
	cats, err := h.svc.Categories(c.Request().Context())
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, orEmpty(cats))
}

func (h *Handler) LowStockDrugs(c echo.Context) error {
	items, err := h.svc.LowStockDrugs(c.Request().Context())
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, orEmpty(items))
}

func (h *Handler) ExpiringSoonDrugs(c echo.Context) error {
	items, err := h.svc.ExpiringSoonDrugs(c.Request().Context())
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, orEmpty(items))
}

// -- Inventory Handlers --

func (h *Handler) CheckConsistency(c echo.Context) error {
	drift, err := h.svc.CheckConsistency(c.Request().Context())
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"consistent": len(drift) == 0,
		"drift":      drift,
	})
}

func (h *Handler) Reconcile(c echo.Context) error {
	fixed, err := h.svc.Reconcile(c.Request().Context())
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"corrected": len(fixed),
		"drift":     fixed,
	})
}
