package api

import (
	"github.com/labstack/echo/v4"
)

const (
	JSON_PRETTY_INDENT string = "    "
)

type rootResponse struct {
	ApiRoutes []*echo.Route `json:"routes"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type extendedContext struct {
	echo.Context
	apiRoutes []*echo.Route
	src       Source
}
