package prescription

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
	read := api.Group("", auth.RequireRole(auth.RolePharmacist, auth.RoleDoctor, auth.RoleNurse))
	read.GET("/prescriptions", h.List)
	read.GET("/prescriptions/:id", h.Get)
	read.GET("/prescriptions/patient/:patientId", h.ListForPatient)
	read.GET("/prescriptions/prescriber/:prescriberId", h.ListForPrescriber)

	write := api.Group("", auth.RequireRole(auth.RoleDoctor))
	write.POST("/prescriptions", h.Create)
	write.DELETE("/prescriptions/:id", h.Delete)

	// Pharmacists mark prescriptions as filled.
	update := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RolePharmacist))
	update.PATCH("/prescriptions/:id", h.Update)
}

func (h *Handler) Create(c echo.Context) error {
	var p Prescription
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.Create(c.Request().Context(), &p); err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := pagination.PathUUID(c, "id")
	if err != nil {
		return err
	}
	p, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	var f SearchFilter
	var err error
	if f.PatientID, err = pagination.UUIDParam(c, "patientId"); err != nil {
		return err
	}
	if f.PrescriberID, err = pagination.UUIDParam(c, "prescriberId"); err != nil {
		return err
	}
	if f.From, err = pagination.TimeParam(c, "startDate"); err != nil {
		return err
	}
	if f.To, err = pagination.TimeParam(c, "endDate"); err != nil {
		return err
	}
	if f.Sort, err = pagination.SortFromContext(c, SortFields, DefaultSort); err != nil {
		return err
	}
	f.Status = Status(c.QueryParam("status"))

	items, total, err := h.svc.Search(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) ListForPatient(c echo.Context) error {
	id, err := pagination.PathUUID(c, "patientId")
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ActiveForPatient(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) ListForPrescriber(c echo.Context) error {
	id, err := pagination.PathUUID(c, "prescriberId")
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ActiveForPrescriber(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) Update(c echo.Context) error {
	id, err := pagination.PathUUID(c, "id")
	if err != nil {
		return err
	}
	var u Update
	if err := c.Bind(&u); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.Update(c.Request().Context(), id, u)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Delete(c echo.Context) error {
	id, err := pagination.PathUUID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.Delete(c.Request().Context(), id); err != nil {
		return apperr.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
