package gateway

import (
	"encoding/json"
	"errors"
	"log"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"loqal/pkg/conversation"
	"loqal/pkg/offer"
	"loqal/pkg/response"
	"loqal/pkg/transport"
)

const (
	readWait  = 60 * time.Second
	writeWait = 10 * time.Second
	pingEvery = 30 * time.Second
)

// Handler exposes the REST surface and the realtime channel endpoint.
type Handler struct {
	store  *Store
	hub    *Hub
	tokens *TokenService
	logger *log.Logger
}

func NewHandler(store *Store, hub *Hub, tokens *TokenService) *Handler {
	return &Handler{
		store:  store,
		hub:    hub,
		tokens: tokens,
		logger: log.New(log.Writer(), "[gateway] ", log.LstdFlags),
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// In production, validate origin properly
		return true
	},
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.POST("/conversations", h.createConversation)
	router.POST("/channel-token", h.mintToken)
	router.GET("/conversations", h.listConversations)
	router.GET("/messages", h.listMessages)
	router.POST("/offer", h.upsertOffer)
	router.POST("/offer/accept", h.acceptOffer)
	router.POST("/offer/reject", h.rejectOffer)
	router.POST("/offer/cancel", h.cancelOffer)
	router.GET("/ws/chat", h.handleWebSocket)
	router.GET("/chat/status", h.status)
}

type createConversationRequest struct {
	Members   [2]conversation.Member `json:"members" binding:"required"`
	CreatedBy string                 `json:"created_by" binding:"required"`
}

// createConversation opens a thread once two members first exchange
// contact.
func (h *Handler) createConversation(c *gin.Context) {
	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.SendAPIResponse(c, http.StatusBadRequest, false, "invalid request payload", nil)
		return
	}
	if req.Members[0].ID == "" || req.Members[1].ID == "" || req.Members[0].ID == req.Members[1].ID {
		response.SendAPIResponse(c, http.StatusBadRequest, false, "two distinct members are required", nil)
		return
	}

	conv := h.store.CreateConversation(req.Members[0], req.Members[1], req.CreatedBy)
	response.SendAPIResponse(c, http.StatusCreated, true, "conversation created", conv)
}

type tokenRequest struct {
	MemberID string `json:"member_id" binding:"required"`
}

// mintToken issues channel credentials. Real deployments gate this
// behind the auth collaborator; the reference gateway trusts the caller.
func (h *Handler) mintToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.SendAPIResponse(c, http.StatusBadRequest, false, "invalid request payload", nil)
		return
	}

	token, err := h.tokens.Mint(req.MemberID)
	if err != nil {
		h.logger.Printf("mint token for %s: %v", req.MemberID, err)
		response.SendAPIResponse(c, http.StatusInternalServerError, false, "failed to mint token", nil)
		return
	}

	response.SendAPIResponse(c, http.StatusOK, true, "channel token", map[string]string{"token": token})
}

func (h *Handler) listConversations(c *gin.Context) {
	memberID := c.Query("member_id")
	if memberID == "" {
		response.SendAPIResponse(c, http.StatusBadRequest, false, "member_id is required", nil)
		return
	}

	page := intQuery(c, "page", 1)
	limit := intQuery(c, "limit", 50)
	convs, meta := h.store.Conversations(memberID, page, limit, c.Query("search"))

	response.SendPagedResponse(c, http.StatusOK, "conversations", convs, meta)
}

func (h *Handler) listMessages(c *gin.Context) {
	chatID := c.Query("chat_id")
	if chatID == "" {
		response.SendAPIResponse(c, http.StatusBadRequest, false, "chat_id is required", nil)
		return
	}

	page := intQuery(c, "page", 1)
	limit := intQuery(c, "limit", 50)

	msgs, meta, err := h.store.Messages(chatID, page, limit)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			response.SendAPIResponse(c, http.StatusNotFound, false, "conversation not found", nil)
			return
		}
		h.logger.Printf("list messages for %s: %v", chatID, err)
		response.SendAPIResponse(c, http.StatusInternalServerError, false, "failed to fetch messages", nil)
		return
	}

	response.SendPagedResponse(c, http.StatusOK, "messages", msgs, meta)
}

func (h *Handler) upsertOffer(c *gin.Context) {
	var draft offer.Draft
	if err := c.ShouldBindJSON(&draft); err != nil {
		response.SendAPIResponse(c, http.StatusBadRequest, false, "invalid request payload", nil)
		return
	}

	if len(draft.Items) == 0 {
		response.SendAPIResponse(c, http.StatusBadRequest, false, "at least one item is required", nil)
		return
	}
	for _, item := range draft.Items {
		if item.Title == "" {
			response.SendAPIResponse(c, http.StatusBadRequest, false, "every item needs a title", nil)
			return
		}
	}

	o, msg, created, err := h.store.UpsertOffer(draft)
	if err != nil {
		switch {
		case errors.Is(err, ErrConflict):
			response.SendAPIResponse(c, http.StatusConflict, false, "offer already handled", o)
		case errors.Is(err, ErrForbidden):
			response.SendAPIResponse(c, http.StatusForbidden, false, "only the provider may edit", nil)
		case errors.Is(err, ErrNotFound):
			response.SendAPIResponse(c, http.StatusNotFound, false, "not found", nil)
		default:
			h.logger.Printf("upsert offer: %v", err)
			response.SendAPIResponse(c, http.StatusInternalServerError, false, "failed to save offer", nil)
		}
		return
	}

	if created {
		h.pushToParticipants(o.ConversationID, transport.EventMessageReceived, msg)
		response.SendAPIResponse(c, http.StatusCreated, true, "offer created", o)
		return
	}

	h.pushToParticipants(o.ConversationID, transport.EventOfferUpdated, o)
	response.SendAPIResponse(c, http.StatusOK, true, "offer updated", o)
}

type offerActionRequest struct {
	OfferID    string  `json:"offer_id" binding:"required"`
	Amount     float64 `json:"amount"`
	CustomerID string  `json:"customer_id"`
	ProviderID string  `json:"provider_id"`
}

func (h *Handler) acceptOffer(c *gin.Context) {
	var req offerActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.SendAPIResponse(c, http.StatusBadRequest, false, "invalid request payload", nil)
		return
	}

	current, err := h.store.Offer(req.OfferID)
	if err != nil {
		response.SendAPIResponse(c, http.StatusNotFound, false, "offer not found", nil)
		return
	}

	// The server re-verifies the amount: the client's quote may be stale.
	if math.Abs(req.Amount-current.Total()) > 1e-9 {
		response.SendAPIResponse(c, http.StatusBadRequest, false, "amount does not match offer total", current)
		return
	}

	h.finishOfferAction(c, req.OfferID, offer.StatusAccepted, "offer accepted")
}

func (h *Handler) rejectOffer(c *gin.Context) {
	var req offerActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.SendAPIResponse(c, http.StatusBadRequest, false, "invalid request payload", nil)
		return
	}

	current, err := h.store.Offer(req.OfferID)
	if err != nil {
		response.SendAPIResponse(c, http.StatusNotFound, false, "offer not found", nil)
		return
	}
	if req.CustomerID != "" && req.CustomerID != current.CustomerID {
		response.SendAPIResponse(c, http.StatusForbidden, false, "only the customer may reject", nil)
		return
	}

	h.finishOfferAction(c, req.OfferID, offer.StatusRejected, "offer rejected")
}

func (h *Handler) cancelOffer(c *gin.Context) {
	var req offerActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.SendAPIResponse(c, http.StatusBadRequest, false, "invalid request payload", nil)
		return
	}

	current, err := h.store.Offer(req.OfferID)
	if err != nil {
		response.SendAPIResponse(c, http.StatusNotFound, false, "offer not found", nil)
		return
	}
	if req.ProviderID != "" && req.ProviderID != current.ProviderID {
		response.SendAPIResponse(c, http.StatusForbidden, false, "only the provider may cancel", nil)
		return
	}

	h.finishOfferAction(c, req.OfferID, offer.StatusCancelled, "offer cancelled")
}

func (h *Handler) finishOfferAction(c *gin.Context, offerID string, to offer.Status, message string) {
	o, err := h.store.SetOfferStatus(offerID, to)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			// o carries the authoritative copy for the client's refresh.
			response.SendAPIResponse(c, http.StatusConflict, false, "offer already handled", o)
			return
		}
		h.logger.Printf("offer %s -> %s: %v", offerID, to, err)
		response.SendAPIResponse(c, http.StatusInternalServerError, false, "failed to update offer", nil)
		return
	}

	h.pushToParticipants(o.ConversationID, transport.EventOfferUpdated, o)
	response.SendAPIResponse(c, http.StatusOK, true, message, o)
}

// status reports currently connected members.
func (h *Handler) status(c *gin.Context) {
	members := h.hub.OnlineMembers()
	response.SendAPIResponse(c, http.StatusOK, true, "online status", map[string]any{
		"online_members": members,
		"count":          len(members),
	})
}

// handleWebSocket authenticates the channel token and upgrades.
func (h *Handler) handleWebSocket(c *gin.Context) {
	memberID, err := h.tokens.Parse(c.Query("token"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Printf("websocket upgrade error: %v", err)
		return
	}

	cl := h.hub.Add(memberID, conn)
	h.logger.Printf("member %s connected", memberID)

	// Tell the newcomer who is already here, then announce them.
	for _, id := range h.hub.OnlineMembers() {
		if id != memberID {
			h.hub.Send(memberID, presenceEnvelope(id, true))
		}
	}
	h.hub.Broadcast(presenceEnvelope(memberID, true), memberID)

	go h.readLoop(cl)
	go h.writeLoop(cl)
}

func (h *Handler) readLoop(cl *client) {
	defer func() {
		removed := h.hub.Remove(cl)
		cl.Conn.Close()
		if removed {
			// A displaced connection must not announce its replacement
			// as offline.
			h.hub.Broadcast(presenceEnvelope(cl.MemberID, false), cl.MemberID)
			h.logger.Printf("member %s disconnected", cl.MemberID)
		}
	}()

	cl.Conn.SetReadDeadline(time.Now().Add(readWait))
	cl.Conn.SetPongHandler(func(string) error {
		cl.Conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	for {
		select {
		case <-cl.Done:
			return
		default:
		}

		var env transport.Envelope
		if err := cl.Conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Printf("websocket error for member %s: %v", cl.MemberID, err)
			}
			return
		}

		if env.Event == transport.EventSendMessage {
			h.processSend(cl, env.Payload)
		}
	}
}

func (h *Handler) writeLoop(cl *client) {
	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-cl.Done:
			return

		case env := <-cl.Send:
			cl.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.Conn.WriteJSON(env); err != nil {
				h.logger.Printf("write error for member %s: %v", cl.MemberID, err)
				return
			}

		case <-ticker.C:
			cl.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.logger.Printf("ping error for member %s: %v", cl.MemberID, err)
				return
			}
		}
	}
}

// processSend persists an inbound message and forwards the canonical
// copy to both participants, the sender included so their local echo
// resolves.
func (h *Handler) processSend(cl *client, payload json.RawMessage) {
	var out transport.OutboundMessage
	if err := json.Unmarshal(payload, &out); err != nil {
		h.logger.Printf("bad send-message payload from %s: %v", cl.MemberID, err)
		return
	}
	if out.Body == "" || out.ConversationID == "" {
		return
	}

	msg, err := h.store.AppendMessage(conversation.Message{
		ConversationID: out.ConversationID,
		SenderID:       cl.MemberID, // sender is the authenticated member
		Body:           out.Body,
		Kind:           conversation.Kind(out.Kind),
	})
	if err != nil {
		h.logger.Printf("persist message from %s: %v", cl.MemberID, err)
		return
	}

	h.pushToParticipants(msg.ConversationID, transport.EventMessageReceived, msg)
}

// pushToParticipants delivers an event to both members of a thread,
// skipping whoever is offline.
func (h *Handler) pushToParticipants(conversationID, event string, payload any) {
	conv, err := h.store.Conversation(conversationID)
	if err != nil {
		return
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		h.logger.Printf("encode %s payload: %v", event, err)
		return
	}
	env := transport.Envelope{Event: event, Payload: raw}

	for _, m := range conv.Members {
		if h.hub.IsOnline(m.ID) {
			if err := h.hub.Send(m.ID, env); err != nil {
				h.logger.Printf("deliver %s to %s: %v", event, m.ID, err)
			}
		}
	}
}

func presenceEnvelope(memberID string, online bool) transport.Envelope {
	raw, _ := json.Marshal(transport.PresenceChange{MemberID: memberID, IsOnline: online})
	return transport.Envelope{Event: transport.EventPresenceChanged, Payload: raw}
}

func intQuery(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}
