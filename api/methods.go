package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
	"golang.org/x/sys/unix"

	"github.com/scitags/ipvs-go/ipvs"
)

var errNotFound = errors.New("no such service")

func badRequest(c echo.Context, err error) error {
	return c.JSONPretty(http.StatusBadRequest, &errorResponse{err.Error()}, JSON_PRETTY_INDENT)
}

func failure(c echo.Context, err error) error {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, errNotFound), errors.Is(err, unix.ESRCH), errors.Is(err, unix.ENOENT):
		code = http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}
	return c.JSONPretty(code, &errorResponse{err.Error()}, JSON_PRETTY_INDENT)
}

// serviceFromParams rebuilds a service's identity out of the request's path.
// Fwmark services default to inet unless the family query parameter says
// otherwise.
func serviceFromParams(c echo.Context) (ipvs.Service, error) {
	if mark := c.Param("mark"); mark != "" {
		m, err := strconv.ParseUint(mark, 10, 32)
		if err != nil || m == 0 {
			return ipvs.Service{}, fmt.Errorf("bad fwmark %q", mark)
		}

		af := ipvs.INET
		if f := c.QueryParam("family"); f != "" {
			if af, err = ipvs.ParseAddressFamily(f); err != nil {
				return ipvs.Service{}, err
			}
		}
		return ipvs.Service{Family: af, FWMark: uint32(m)}, nil
	}

	proto, err := ipvs.ParseProtocol(c.Param("protocol"))
	if err != nil {
		return ipvs.Service{}, err
	}

	raw, err := url.PathUnescape(c.Param("address"))
	if err != nil {
		return ipvs.Service{}, fmt.Errorf("bad address %q: %w", c.Param("address"), err)
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return ipvs.Service{}, err
	}

	port, err := strconv.ParseUint(c.Param("port"), 10, 16)
	if err != nil {
		return ipvs.Service{}, fmt.Errorf("bad port %q", c.Param("port"))
	}

	s := ipvs.Service{Protocol: proto, Address: addr.Unmap(), Port: uint16(port)}
	s.Family = s.AddressFamily()
	return s, nil
}

func handleRoot(c echo.Context) error {
	cc := c.(*extendedContext)
	return c.JSONPretty(http.StatusOK, &rootResponse{
		ApiRoutes: cc.apiRoutes,
	}, JSON_PRETTY_INDENT)
}

func handleInfo(c echo.Context) error {
	cc := c.(*extendedContext)

	info, err := cc.src.Info(c.Request().Context())
	if err != nil {
		return failure(c, err)
	}
	return c.JSONPretty(http.StatusOK, &info, JSON_PRETTY_INDENT)
}

func handleServices(c echo.Context) error {
	cc := c.(*extendedContext)

	svcs, err := cc.src.Services(c.Request().Context())
	if err != nil {
		return failure(c, err)
	}
	if svcs == nil {
		svcs = []ipvs.ServiceExtended{}
	}
	return c.JSONPretty(http.StatusOK, svcs, JSON_PRETTY_INDENT)
}

func handleService(c echo.Context) error {
	cc := c.(*extendedContext)

	want, err := serviceFromParams(c)
	if err != nil {
		return badRequest(c, err)
	}

	svcs, err := cc.src.Services(c.Request().Context())
	if err != nil {
		return failure(c, err)
	}
	for _, s := range svcs {
		if s.SameIdentity(want) {
			return c.JSONPretty(http.StatusOK, &s, JSON_PRETTY_INDENT)
		}
	}
	return failure(c, fmt.Errorf("%s: %w", want.ID(), errNotFound))
}

func handleDestinations(c echo.Context) error {
	cc := c.(*extendedContext)

	svc, err := serviceFromParams(c)
	if err != nil {
		return badRequest(c, err)
	}

	dsts, err := cc.src.Destinations(c.Request().Context(), svc)
	if err != nil {
		return failure(c, err)
	}
	if dsts == nil {
		dsts = []ipvs.DestinationExtended{}
	}
	return c.JSONPretty(http.StatusOK, dsts, JSON_PRETTY_INDENT)
}
