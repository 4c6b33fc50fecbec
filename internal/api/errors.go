package api

import (
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/j-veylop/repcache/internal/cache"
	"github.com/j-veylop/repcache/internal/services/enrich"
)

// errorHandler maps domain errors to HTTP statuses so callers can tell
// caller bugs, retryable quota exhaustion and upstream trouble apart.
func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	var (
		fiberErr    *fiber.Error
		invalidKey  *cache.InvalidKeyError
		quotaErr    *cache.QuotaExhaustedError
		storageErr  *cache.StorageError
		upstreamErr *enrich.UpstreamError
		validation  validator.ValidationErrors
	)

	switch {
	case errors.As(err, &fiberErr):
		return respond(c, fiberErr.Code, fiberErr.Message, nil)

	case errors.As(err, &validation):
		return respond(c, fiber.StatusBadRequest, "Invalid request", formatValidationErrors(validation))

	case errors.As(err, &invalidKey):
		return respond(c, fiber.StatusBadRequest, invalidKey.Error(), nil)

	case errors.As(err, &quotaErr):
		setRetryAfter(c, quotaErr.RetryAfter, s.now())
		return respond(c, fiber.StatusTooManyRequests, "Quota exhausted", fiber.Map{"retryAfter": quotaErr.RetryAfter})

	case errors.As(err, &upstreamErr):
		status := upstreamStatus(upstreamErr.Kind)
		if upstreamErr.Kind == enrich.KindRateLimited && !upstreamErr.RetryAfter.IsZero() {
			setRetryAfter(c, upstreamErr.RetryAfter, s.now())
		}
		return respond(c, status, upstreamErr.Error(), fiber.Map{"kind": upstreamErr.Kind})

	case errors.As(err, &storageErr):
		s.log.Error("storage failure", "path", c.Path(), "error", err)
		return respond(c, fiber.StatusInternalServerError, "Storage failure", nil)

	default:
		s.log.Error("request failed", "path", c.Path(), "error", err)
		return respond(c, fiber.StatusInternalServerError, "Internal Server Error", nil)
	}
}

func upstreamStatus(kind enrich.ErrorKind) int {
	switch kind {
	case enrich.KindNotFound:
		return fiber.StatusNotFound
	case enrich.KindRateLimited:
		return fiber.StatusTooManyRequests
	case enrich.KindTimeout:
		return fiber.StatusGatewayTimeout
	default:
		return fiber.StatusBadGateway
	}
}

func setRetryAfter(c *fiber.Ctx, at, now time.Time) {
	secs := int(math.Ceil(at.Sub(now).Seconds()))
	c.Set(fiber.HeaderRetryAfter, strconv.Itoa(max(secs, 0)))
}

// ValidationError describes one invalid request field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func formatValidationErrors(errs validator.ValidationErrors) []ValidationError {
	out := make([]ValidationError, 0, len(errs))
	for _, fe := range errs {
		var message string
		switch fe.Tag() {
		case "required":
			message = fe.Field() + " is required"
		case "oneof":
			message = fe.Field() + " must be one of: " + fe.Param()
		case "max":
			message = fe.Field() + " must be at most " + fe.Param() + " characters"
		default:
			message = fe.Field() + " is invalid"
		}
		out = append(out, ValidationError{Field: fe.Field(), Message: message})
	}
	return out
}
