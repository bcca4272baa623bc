package laborder

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medlab/lims/internal/platform/authz"
	"github.com/medlab/lims/internal/platform/blobstore"
	"github.com/medlab/lims/pkg/pagination"
)

// Handler exposes the lab-order workflow over HTTP.
type Handler struct {
	svc   *Service
	guard *authz.Guard
}

func NewHandler(svc *Service, guard *authz.Guard) *Handler {
	return &Handler{svc: svc, guard: guard}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", authz.Require(h.guard, authz.ResourceLabOrders, authz.ActionRead))
	read.GET("/lab-orders", h.List)
	read.GET("/lab-orders/:id", h.Get)
	read.GET("/lab-orders/:id/status-history", h.GetStatusHistory)

	api.POST("/lab-orders", h.Create)
	api.PUT("/lab-orders/:id/tests", h.AddTest)
	api.PATCH("/lab-orders/:id/status", h.UpdateStatus)
	api.POST("/lab-orders/:id/upload-results", h.UploadResults)
	api.POST("/lab-orders/:id/upload-report", h.UploadReport)
	api.POST("/lab-orders/:id/validate", h.Validate)
	api.POST("/lab-orders/:id/cancel", h.Cancel)
}

// httpError maps the domain error taxonomy onto HTTP status codes.
func httpError(err error) error {
	var (
		authn      *authz.AuthenticationError
		authzErr   *authz.AuthorizationError
		validation *ValidationError
		transition *StateTransitionError
		notFound   *NotFoundError
		conflict   *ConflictError
		storage    *blobstore.StorageError
	)
	switch {
	case errors.As(err, &authn):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case errors.As(err, &authzErr):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.As(err, &validation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.As(err, &transition):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.As(err, &notFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.As(err, &conflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.As(err, &storage):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return err
}

func orderID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid order id")
	}
	return id, nil
}

// expectedVersion reads the If-Match header. Absent means "current".
func expectedVersion(c echo.Context) (int, error) {
	raw := c.Request().Header.Get("If-Match")
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "If-Match must be a positive version number")
	}
	return v, nil
}

func actor(c echo.Context) authz.Actor {
	return authz.ActorFromContext(c.Request().Context())
}

func (h *Handler) Create(c echo.Context) error {
	var input CreateOrderInput
	if err := c.Bind(&input); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	order, err := h.svc.Create(c.Request().Context(), actor(c), input)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, order)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := orderID(c)
	if err != nil {
		return err
	}
	order, err := h.svc.Get(c.Request().Context(), actor(c), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, order)
}

func (h *Handler) List(c echo.Context) error {
	patientID, err := uuid.Parse(c.QueryParam("patient_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id query parameter is required")
	}
	p := pagination.FromContext(c)
	orders, total, err := h.svc.ListByPatient(c.Request().Context(), actor(c), patientID, p.Limit, p.Offset)
	if err != nil {
		return httpError(err)
	}
	if orders == nil {
		orders = []*LabOrder{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(orders, total, p.Limit, p.Offset))
}

func (h *Handler) GetStatusHistory(c echo.Context) error {
	id, err := orderID(c)
	if err != nil {
		return err
	}
	history, err := h.svc.GetStatusHistory(c.Request().Context(), actor(c), id)
	if err != nil {
		return httpError(err)
	}
	if history == nil {
		history = []StatusHistoryEntry{}
	}
	return c.JSON(http.StatusOK, history)
}

func (h *Handler) AddTest(c echo.Context) error {
	id, err := orderID(c)
	if err != nil {
		return err
	}
	version, err := expectedVersion(c)
	if err != nil {
		return err
	}
	var input TestInput
	if err := c.Bind(&input); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	order, err := h.svc.AddTest(c.Request().Context(), id, actor(c), input, version)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, order)
}

func (h *Handler) UpdateStatus(c echo.Context) error {
	id, err := orderID(c)
	if err != nil {
		return err
	}
	version, err := expectedVersion(c)
	if err != nil {
		return err
	}
	var body struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	order, err := h.svc.Transition(c.Request().Context(), id, actor(c), body.Status, body.Reason, version)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, order)
}

func (h *Handler) UploadResults(c echo.Context) error {
	id, err := orderID(c)
	if err != nil {
		return err
	}
	version, err := expectedVersion(c)
	if err != nil {
		return err
	}
	var payload ResultsPayload
	if err := c.Bind(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	order, err := h.svc.IngestResults(c.Request().Context(), id, actor(c), payload, version)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, order)
}

func (h *Handler) UploadReport(c echo.Context) error {
	id, err := orderID(c)
	if err != nil {
		return err
	}
	version, err := expectedVersion(c)
	if err != nil {
		return err
	}
	file, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart field \"file\" is required")
	}
	src, err := file.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	defer src.Close()

	contentType := file.Header.Get("Content-Type")
	order, err := h.svc.IngestReportFile(c.Request().Context(), id, actor(c),
		file.Filename, contentType, file.Size, src, version)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, order)
}

func (h *Handler) Validate(c echo.Context) error {
	id, err := orderID(c)
	if err != nil {
		return err
	}
	version, err := expectedVersion(c)
	if err != nil {
		return err
	}
	var body struct {
		Notes string `json:"notes"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	order, err := h.svc.Validate(c.Request().Context(), id, actor(c), body.Notes, version)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, order)
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := orderID(c)
	if err != nil {
		return err
	}
	version, err := expectedVersion(c)
	if err != nil {
		return err
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	order, err := h.svc.Cancel(c.Request().Context(), id, actor(c), body.Reason, version)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, order)
}
