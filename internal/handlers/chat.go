package handlers

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/sukoon-app/sukoon-backend/internal/models"
	"github.com/sukoon-app/sukoon-backend/internal/session"
	"github.com/sukoon-app/sukoon-backend/internal/store"
	"github.com/sukoon-app/sukoon-backend/utils"
)

var (
	manager *session.Manager
	gateway *store.Gateway
)

// Setup wires the shared session manager and store gateway into the
// package-level handlers.
func Setup(m *session.Manager, g *store.Gateway) {
	manager = m
	gateway = g
}

func CreateSession(c *fiber.Ctx) error {
	var req models.CreateSessionRequest
	if err := c.BodyParser(&req); err != nil && !errors.Is(err, fiber.ErrUnprocessableEntity) {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body")
	}

	if err := utils.Validate.Struct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error())
	}

	userID := c.Locals("userId").(string)
	machine := manager.Get(c.Context(), userID)

	sess, err := machine.CreateNewSession(c.Context(), models.LanguageChoice(req.Language), req.SkipIntro)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create session")
	}

	return c.Status(fiber.StatusCreated).JSON(models.SessionResponse{
		Session:  sess,
		Messages: machine.Messages(),
	})
}

func ResumeSession(c *fiber.Ctx) error {
	var req models.ResumeSessionRequest
	if err := c.BodyParser(&req); err != nil && !errors.Is(err, fiber.ErrUnprocessableEntity) {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body")
	}

	userID := c.Locals("userId").(string)
	machine := manager.Get(c.Context(), userID)

	sess, err := machine.LoadSession(c.Context(), req.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Session not found")
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to resume session")
	}

	return c.JSON(models.SessionResponse{
		Session:  sess,
		Messages: machine.Messages(),
	})
}

func SendMessage(c *fiber.Ctx) error {
	var req models.SendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body")
	}

	if err := utils.Validate.Struct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error())
	}

	userID := c.Locals("userId").(string)
	machine := manager.Get(c.Context(), userID)

	result, err := machine.SendMessage(c.Context(), req.Message)
	switch {
	case errors.Is(err, session.ErrEmptyMessage):
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Message text is empty")
	case errors.Is(err, session.ErrNoActiveSession):
		return utils.ErrorResponse(c, fiber.StatusConflict, "No active session")
	case errors.Is(err, session.ErrReplyInFlight):
		return utils.ErrorResponse(c, fiber.StatusTooManyRequests, "A reply is already being generated")
	case err != nil:
		// The user's message stays appended; the client may resend.
		return utils.ErrorResponse(c, fiber.StatusBadGateway, "AI service error: "+err.Error())
	}

	sess := machine.Session()
	sessionID := ""
	if sess != nil {
		sessionID = sess.SessionID
	}

	return c.JSON(models.SendMessageResponse{
		SessionID: sessionID,
		UserMsg:   result.UserMessage,
		Reply:     result.Reply,
		Language:  result.Language,
	})
}

func SetLanguage(c *fiber.Ctx) error {
	var req models.SetLanguageRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body")
	}

	if err := utils.Validate.Struct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error())
	}

	userID := c.Locals("userId").(string)
	machine := manager.Get(c.Context(), userID)

	machine.SetUILanguageChoice(c.Context(), models.LanguageChoice(req.Language))
	choice, locked := machine.LanguageState()

	return c.JSON(fiber.Map{
		"uiLanguage":      choice,
		"sessionLanguage": locked,
	})
}

func ClearSession(c *fiber.Ctx) error {
	userID := c.Locals("userId").(string)
	machine := manager.Get(c.Context(), userID)

	machine.ClearSession(c.Context())
	return c.JSON(fiber.Map{"phase": machine.Phase()})
}

func ResetSession(c *fiber.Ctx) error {
	userID := c.Locals("userId").(string)
	machine := manager.Get(c.Context(), userID)

	machine.ResetSession(c.Context())
	return c.JSON(fiber.Map{"phase": machine.Phase()})
}

func CloseSession(c *fiber.Ctx) error {
	userID := c.Locals("userId").(string)
	machine := manager.Get(c.Context(), userID)

	if err := machine.CloseSession(c.Context()); err != nil {
		if errors.Is(err, session.ErrNoActiveSession) {
			return utils.ErrorResponse(c, fiber.StatusConflict, "No active session")
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to close session")
	}
	return c.JSON(fiber.Map{"closed": true})
}

func GetChatHistory(c *fiber.Ctx) error {
	userID := c.Locals("userId").(string)

	limit, err := strconv.Atoi(c.Query("limit", "20"))
	if err != nil || limit < 1 || limit > 100 {
		limit = 20
	}

	history, err := gateway.GetChatHistory(c.Context(), userID, limit)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch chat history")
	}

	return c.JSON(fiber.Map{"history": history})
}

func GetSessionMessages(c *fiber.Ctx) error {
	userID := c.Locals("userId").(string)
	sessionID := c.Params("id")

	messages, err := gateway.LoadSessionMessages(c.Context(), userID, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Session not found")
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load messages")
	}

	for i := range messages {
		messages[i].Saved = true
	}
	return c.JSON(fiber.Map{"messages": messages})
}

func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}

	return c.Status(code).JSON(fiber.Map{
		"error": err.Error(),
	})
}
