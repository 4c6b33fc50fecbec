package api

import (
	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
)

// Response is the envelope of every JSON reply.
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

var jsonAPI = sonic.Config{
	EscapeHTML:       false,
	SortMapKeys:      true,
	CompactMarshaler: true,
	NoNullSliceOrMap: true,
}.Froze()

func respond(c *fiber.Ctx, code int, message string, data any) error {
	return c.Status(code).JSON(Response{Code: code, Message: message, Data: data})
}

func respondOK(c *fiber.Ctx, data any) error {
	return respond(c, fiber.StatusOK, "Success", data)
}
