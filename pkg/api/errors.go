package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/droverhq/drover/pkg/approval"
	"github.com/droverhq/drover/pkg/services"
)

// mapServiceError maps service-layer errors to HTTP error responses.
func mapServiceError(err error) *echo.HTTPError {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}
	if errors.Is(err, services.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	if errors.Is(err, services.ErrAlreadyExists) {
		return echo.NewHTTPError(http.StatusConflict, "resource already exists")
	}
	if errors.Is(err, services.ErrWrongState) {
		return echo.NewHTTPError(http.StatusConflict, "resource is not in a state that allows this operation")
	}
	if errors.Is(err, services.ErrAgentInactive) {
		return echo.NewHTTPError(http.StatusConflict, "agent is deactivated")
	}

	// Unexpected error
	slog.Error("Unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}

// mapApprovalError maps approval gate errors to HTTP error responses.
func mapApprovalError(err error) *echo.HTTPError {
	if errors.Is(err, approval.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "approval not found")
	}
	if errors.Is(err, approval.ErrAlreadyDecided) {
		return echo.NewHTTPError(http.StatusConflict, "approval has already been decided")
	}
	if errors.Is(err, approval.ErrExpired) {
		return echo.NewHTTPError(http.StatusGone, "approval has expired")
	}
	if errors.Is(err, approval.ErrNotAuthorized) {
		return echo.NewHTTPError(http.StatusForbidden, "not authorized to decide this approval")
	}

	slog.Error("Unexpected approval error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
