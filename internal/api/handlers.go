package api

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/j-veylop/repcache/internal/models"
)

// subjectRequest identifies one cached subject in admin request bodies.
type subjectRequest struct {
	Type string `json:"type" validate:"required,oneof=ip domain block reports"`
	Key  string `json:"key" validate:"required,max=255"`
}

func (s *Server) parseSubject(c *fiber.Ctx) (models.QueryType, string, error) {
	var req subjectRequest
	if err := c.BodyParser(&req); err != nil {
		return "", "", fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	if err := s.validate.Struct(req); err != nil {
		return "", "", err
	}
	return models.QueryType(req.Type), req.Key, nil
}

func pathSubject(c *fiber.Ctx) (models.QueryType, string, error) {
	qt, err := models.ParseQueryType(c.Params("type"))
	if err != nil {
		return "", "", fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	key := c.Params("*")
	if key == "" {
		return "", "", fiber.NewError(fiber.StatusBadRequest, "key is required")
	}
	return qt, key, nil
}

func queryInt(c *fiber.Ctx, name string, def, lo, hi int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < lo || n > hi {
		return 0, fiber.NewError(fiber.StatusBadRequest, name+" must be an integer between "+strconv.Itoa(lo)+" and "+strconv.Itoa(hi))
	}
	return n, nil
}

func (s *Server) enrich(c *fiber.Ctx) error {
	qt, key, err := pathSubject(c)
	if err != nil {
		return err
	}
	force := c.QueryBool("force_refresh", false)

	res, err := s.svc.Resolve(c.UserContext(), qt, key, force)
	if err != nil {
		return err
	}
	if res.Degraded {
		c.Set("Warning", `110 - "Response is Stale"`)
	}
	return respondOK(c, res)
}

func (s *Server) refresh(c *fiber.Ctx) error {
	qt, key, err := s.parseSubject(c)
	if err != nil {
		return err
	}
	res, err := s.svc.Resolve(c.UserContext(), qt, key, true)
	if err != nil {
		return err
	}
	return respondOK(c, res)
}

func (s *Server) expire(c *fiber.Ctx) error {
	qt, key, err := s.parseSubject(c)
	if err != nil {
		return err
	}
	ok, err := s.svc.Expire(c.UserContext(), qt, key)
	if err != nil {
		return err
	}
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "Not Found")
	}
	return respondOK(c, fiber.Map{"expired": true})
}

func (s *Server) invalidate(c *fiber.Ctx) error {
	qt, key, err := pathSubject(c)
	if err != nil {
		return err
	}
	ok, err := s.svc.Invalidate(c.UserContext(), qt, key)
	if err != nil {
		return err
	}
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "Not Found")
	}
	return respondOK(c, fiber.Map{"deleted": true})
}

func (s *Server) clear(c *fiber.Ctx) error {
	var qt models.QueryType
	if raw := c.Query("type"); raw != "" {
		var err error
		if qt, err = models.ParseQueryType(raw); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
	}
	n, err := s.svc.Clear(c.UserContext(), qt)
	if err != nil {
		return err
	}
	return respondOK(c, fiber.Map{"deleted": n})
}

func (s *Server) sweep(c *fiber.Ctx) error {
	n, err := s.svc.Sweep(c.UserContext())
	if err != nil {
		return err
	}
	return respondOK(c, fiber.Map{"deleted": n})
}

func (s *Server) cacheStats(c *fiber.Ctx) error {
	stats, err := s.svc.CacheStats(c.UserContext())
	if err != nil {
		return err
	}
	return respondOK(c, stats)
}

func (s *Server) top(c *fiber.Ctx) error {
	limit, err := queryInt(c, "limit", 10, 1, 100)
	if err != nil {
		return err
	}
	entries, err := s.svc.TopEntries(c.UserContext(), limit)
	if err != nil {
		return err
	}
	return respondOK(c, entries)
}

func (s *Server) quota(c *fiber.Ctx) error {
	status, err := s.svc.QuotaStatus(c.UserContext())
	if err != nil {
		return err
	}
	return respondOK(c, status)
}

func (s *Server) calls(c *fiber.Ctx) error {
	limit, err := queryInt(c, "limit", 20, 1, 500)
	if err != nil {
		return err
	}
	calls, err := s.svc.RecentCalls(c.UserContext(), limit)
	if err != nil {
		return err
	}
	return respondOK(c, calls)
}

func (s *Server) usage(c *fiber.Ctx) error {
	hours, err := queryInt(c, "hours", 24, 1, 24*90)
	if err != nil {
		return err
	}
	stats, err := s.svc.Usage(c.UserContext(), hours)
	if err != nil {
		return err
	}
	return respondOK(c, fiber.Map{
		"stats":       stats,
		"successRate": stats.SuccessRate(),
		"periodHours": hours,
	})
}

func (s *Server) refreshWatchlist(c *fiber.Ctx) error {
	report, err := s.svc.RefreshWatchlist(c.UserContext())
	if err != nil {
		return err
	}
	return respondOK(c, report)
}
