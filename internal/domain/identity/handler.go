package identity

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medlab/lims/internal/platform/authz"
	"github.com/medlab/lims/pkg/pagination"
)

type Handler struct {
	svc   *Service
	guard *authz.Guard
}

func NewHandler(svc *Service, guard *authz.Guard) *Handler {
	return &Handler{svc: svc, guard: guard}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/users", h.CreateUser)

	read := api.Group("", authz.Require(h.guard, authz.ResourceUsers, authz.ActionRead))
	read.GET("/users", h.ListUsers)
	read.GET("/users/:id", h.GetUser)
}

func httpError(err error) error {
	var (
		authn      *authz.AuthenticationError
		authzErr   *authz.AuthorizationError
		validation *ValidationError
		notFound   *NotFoundError
		conflict   *ConflictError
	)
	switch {
	case errors.As(err, &authn):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case errors.As(err, &authzErr):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.As(err, &validation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.As(err, &notFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.As(err, &conflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return err
}

func (h *Handler) CreateUser(c echo.Context) error {
	var input CreateUserInput
	if err := c.Bind(&input); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	actor := authz.ActorFromContext(c.Request().Context())
	user, err := h.svc.CreateUser(c.Request().Context(), actor, input)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, user)
}

func (h *Handler) GetUser(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid user id")
	}
	actor := authz.ActorFromContext(c.Request().Context())
	user, err := h.svc.GetUser(c.Request().Context(), actor, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, user)
}

func (h *Handler) ListUsers(c echo.Context) error {
	actor := authz.ActorFromContext(c.Request().Context())
	p := pagination.FromContext(c)
	users, total, err := h.svc.ListUsers(c.Request().Context(), actor, p.Limit, p.Offset)
	if err != nil {
		return httpError(err)
	}
	if users == nil {
		users = []*User{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(users, total, p.Limit, p.Offset))
}
