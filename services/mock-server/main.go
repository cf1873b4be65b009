package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/stoik/chatsweep/internal/models"
	"github.com/stoik/chatsweep/services/mock-server/internal/mock"
)

const ownerKey = "owner"

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	r := gin.Default()

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api", requireSession)
	{
		api.GET("/me", handleMe)
		api.GET("/chats", handleGetChats)
		api.GET("/chats/:id/messages", handleGetMessages)
		api.POST("/chats/:id/messages", handleSendMessage)
		api.POST("/chats/:id/delete", handleDeleteMessages)
		api.GET("/chats/:id/description", handleGetDescription)
	}

	// Admin endpoints for testing
	admin := r.Group("/admin")
	{
		admin.POST("/chats/add", handleAddChats)
		admin.POST("/failures", handleInjectFailure)
		admin.DELETE("/failures", func(c *gin.Context) {
			mock.ClearFailures()
			c.Status(http.StatusNoContent)
		})
	}

	addr := fmt.Sprintf(":%s", port)
	log.Info().Str("addr", addr).Msg("Starting Chatsweep mock platform")
	if err := http.ListenAndServe(addr, r); err != nil {
		log.Fatal().Err(err).Msg("Mock platform stopped")
	}
}

func requireSession(c *gin.Context) {
	token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	owner, ok := mock.Me(token)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, models.ErrorResponse{Error: "invalid session"})
		return
	}
	c.Set(ownerKey, owner)
	c.Next()
}

func owner(c *gin.Context) models.ProviderUser {
	return c.MustGet(ownerKey).(models.ProviderUser)
}

// injected writes a scripted failure for the call when one is pending.
func injected(c *gin.Context, chatID int64, op string) bool {
	f, ok := mock.TakeFailure(chatID, op)
	if !ok {
		return false
	}
	if f.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(f.RetryAfter))
	}
	log.Debug().Int64("chat_id", chatID).Str("op", op).Int("status", f.Status).Msg("Injected failure")
	c.JSON(f.Status, models.ErrorResponse{
		Error:      http.StatusText(f.Status),
		Reason:     f.Reason,
		RetryAfter: f.RetryAfter,
	})
	return true
}

func chatParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid chat id"})
		return 0, false
	}
	return id, true
}

func writeStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, mock.ErrChatNotFound):
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: err.Error()})
	case errors.Is(err, mock.ErrNotAuthor):
		c.JSON(http.StatusForbidden, models.ErrorResponse{Error: err.Error(), Reason: "forbidden"})
	default:
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: err.Error()})
	}
}

func handleMe(c *gin.Context) {
	c.JSON(http.StatusOK, owner(c))
}

func handleGetChats(c *gin.Context) {
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if offset < 0 {
		offset = 0
	}
	if limit < 1 || limit > 500 {
		limit = 100
	}
	c.JSON(http.StatusOK, mock.GetChats(offset, limit))
}

func handleGetMessages(c *gin.Context) {
	chatID, ok := chatParam(c)
	if !ok || injected(c, chatID, mock.OpMessages) {
		return
	}

	f := mock.MessageFilter{Limit: 100}
	f.OffsetID, _ = strconv.ParseInt(c.Query("offset_id"), 10, 64)
	f.MinID, _ = strconv.ParseInt(c.Query("min_id"), 10, 64)
	if limit, err := strconv.Atoi(c.Query("limit")); err == nil && limit > 0 && limit <= 500 {
		f.Limit = limit
	}
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid since format (use RFC3339)"})
			return
		}
		f.Since = t
	}

	msgs, err := mock.GetMessages(chatID, owner(c).ID, f)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

func handleSendMessage(c *gin.Context) {
	chatID, ok := chatParam(c)
	if !ok || injected(c, chatID, mock.OpSend) {
		return
	}

	var req models.SendRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "text is required"})
		return
	}

	msg, err := mock.SendMessage(chatID, owner(c).ID, req.Text)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func handleDeleteMessages(c *gin.Context) {
	chatID, ok := chatParam(c)
	if !ok || injected(c, chatID, mock.OpDelete) {
		return
	}

	var req models.DeleteRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.IDs) == 0 {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "ids are required"})
		return
	}

	n, err := mock.DeleteMessages(chatID, owner(c).ID, req.IDs)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.DeleteResponse{Deleted: n})
}

func handleGetDescription(c *gin.Context) {
	chatID, ok := chatParam(c)
	if !ok || injected(c, chatID, mock.OpDescription) {
		return
	}

	desc, err := mock.GetDescription(chatID)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, desc)
}

func handleAddChats(c *gin.Context) {
	var req struct {
		NumChats int `json:"numChats"`
	}

	// Try JSON body first
	if err := c.ShouldBindJSON(&req); err != nil {
		if num, err := strconv.Atoi(c.DefaultQuery("numChats", "1")); err == nil {
			req.NumChats = num
		}
	}
	if req.NumChats < 1 {
		req.NumChats = 1
	}

	total, err := mock.AddChats(req.NumChats)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"added":   req.NumChats,
		"total":   total,
		"message": fmt.Sprintf("Added %d chat(s). Total chats: %d", req.NumChats, total),
	})
}

func handleInjectFailure(c *gin.Context) {
	var f mock.Failure
	if err := c.ShouldBindJSON(&f); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := mock.InjectFailure(f); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"queued": f})
}
