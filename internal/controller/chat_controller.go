package controller

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"rag-chat-gateway/internal/dto"
	"rag-chat-gateway/internal/pkg/logger"
	"rag-chat-gateway/internal/pkg/serverutils"
	"rag-chat-gateway/internal/service"
	"rag-chat-gateway/pkg/identity"
	"rag-chat-gateway/pkg/quota"
)

// ChatController exposes the browser-facing proxy routes. Everything except
// the health probe sits behind the bearer middleware.
type ChatController struct {
	proxy   service.IProxyService
	tracker *quota.Tracker
	auth    fiber.Handler
	log     logger.ILogger
}

func NewChatController(proxy service.IProxyService, tracker *quota.Tracker, auth fiber.Handler, log logger.ILogger) *ChatController {
	return &ChatController{
		proxy:   proxy,
		tracker: tracker,
		auth:    auth,
		log:     log,
	}
}

func (c *ChatController) RegisterRoutes(r fiber.Router) {
	api := r.Group("/api")
	api.Get("/chat", c.Health)
	api.Post("/chat", c.auth, c.StreamChat)
	api.Get("/chats", c.auth, c.ListChats)
	api.Get("/chats/:chatId/messages", c.auth, c.GetMessages)
	api.Post("/title/generate", c.auth, c.GenerateTitle)
	api.Post("/title/rename", c.auth, c.RenameTitle)
	api.Get("/trace", c.auth, c.GetTrace)
}

func (c *ChatController) ListChats(ctx *fiber.Ctx) error {
	limit, _ := strconv.Atoi(ctx.Query("limit"))
	upstream, err := c.proxy.ListChats(ctx.UserContext(), callerFrom(ctx), limit)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, "backend unreachable")
	}
	return relay(ctx, upstream)
}

func (c *ChatController) GetMessages(ctx *fiber.Ctx) error {
	upstream, err := c.proxy.GetMessages(ctx.UserContext(), callerFrom(ctx), ctx.Params("chatId"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, "backend unreachable")
	}
	return relay(ctx, upstream)
}

func (c *ChatController) GenerateTitle(ctx *fiber.Ctx) error {
	var req dto.GenerateTitleRequest
	if err := ctx.BodyParser(&req); err != nil {
		return ctx.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "chat_id and queries are required"})
	}
	if err := serverutils.ValidateRequest(&req); err != nil {
		return ctx.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "chat_id and queries are required"})
	}

	upstream, err := c.proxy.GenerateTitle(ctx.UserContext(), callerFrom(ctx), req.ChatID, req.Queries)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, "backend unreachable")
	}
	return relay(ctx, upstream)
}

func (c *ChatController) RenameTitle(ctx *fiber.Ctx) error {
	var req dto.RenameTitleRequest
	if err := ctx.BodyParser(&req); err != nil {
		return ctx.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "chat_id and title are required"})
	}
	if err := serverutils.ValidateRequest(&req); err != nil {
		return ctx.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "chat_id and title are required"})
	}

	upstream, err := c.proxy.RenameTitle(ctx.UserContext(), callerFrom(ctx), req.ChatID, req.Title)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, "backend unreachable")
	}
	return relay(ctx, upstream)
}

func (c *ChatController) GetTrace(ctx *fiber.Ctx) error {
	chatID := ctx.Query("chat_id")
	messageID := ctx.Query("message_id")
	if chatID == "" || messageID == "" {
		return ctx.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "chat_id and message_id are required"})
	}

	upstream, err := c.proxy.GetTrace(ctx.UserContext(), callerFrom(ctx), chatID, messageID)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, "backend unreachable")
	}
	return relay(ctx, upstream)
}

// StreamChat forwards the chat request and streams the SSE body back
// unmodified. The daily query quota is checked before the upstream call and
// counted after it is accepted.
func (c *ChatController) StreamChat(ctx *fiber.Ctx) error {
	caller := callerFrom(ctx)
	user := &identity.User{ID: caller.UserID, Anonymous: caller.Anonymous}

	if !c.tracker.CanQuery(ctx.UserContext(), user) {
		return ctx.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"error": "Daily query limit reached",
			"limit": c.tracker.DailyLimit(user),
		})
	}

	check := ctx.Query("check") == "true"
	upstream, err := c.proxy.StreamChat(ctx.UserContext(), caller, ctx.Query("conv_id"), check, ctx.Body())
	if err != nil {
		c.log.Error("chat", "stream request failed", map[string]interface{}{
			"error":   err.Error(),
			"user_id": caller.UserID,
		})
		return fiber.NewError(fiber.StatusBadGateway, "backend unreachable")
	}

	if upstream.ConversationID != "" {
		ctx.Set("X-Conversation-Id", upstream.ConversationID)
	}
	if upstream.MessageID != "" {
		ctx.Set("X-Message-Id", upstream.MessageID)
	}

	contentType := upstream.ContentType
	if contentType == "" {
		contentType = "text/event-stream"
	}
	ctx.Set(fiber.HeaderContentType, contentType)
	ctx.Status(upstream.Status)

	if upstream.Status == fiber.StatusOK {
		c.tracker.IncrementQueryCount(ctx.UserContext(), user)
	}

	// fasthttp closes the body stream once it drains.
	return ctx.SendStream(upstream.Body)
}

func (c *ChatController) Health(ctx *fiber.Ctx) error {
	upstream, err := c.proxy.Health(ctx.UserContext())
	if err != nil {
		return ctx.Status(fiber.StatusServiceUnavailable).JSON(dto.HealthResponse{Status: "unreachable"})
	}
	return relay(ctx, upstream)
}

func callerFrom(ctx *fiber.Ctx) service.Caller {
	caller := service.Caller{}
	if v, ok := ctx.Locals(serverutils.LocalUserID).(string); ok {
		caller.UserID = v
	}
	if v, ok := ctx.Locals(serverutils.LocalAnonymous).(bool); ok {
		caller.Anonymous = v
	}
	return caller
}

// relay writes an upstream pass-through response, preserving status, body
// and content type.
func relay(ctx *fiber.Ctx, upstream *service.Upstream) error {
	if upstream.ContentType != "" {
		ctx.Set(fiber.HeaderContentType, upstream.ContentType)
	} else {
		ctx.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	return ctx.Status(upstream.Status).Send(upstream.Body)
}
