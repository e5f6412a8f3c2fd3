package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ravelino/chatpilot/pkg/chatpilot/channels"
	"github.com/ravelino/chatpilot/pkg/chatpilot/followup"
	"github.com/ravelino/chatpilot/pkg/chatpilot/labels"
	"github.com/ravelino/chatpilot/pkg/chatpilot/store"
)

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(g.startedAt).String(),
	})
}

// webhookMessage is the inbound payload pushed by an external integration.
type webhookMessage struct {
	Channel   string    `json:"channel"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	MessageID string    `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
}

// handleWebhookMessage ingests one inbound message and runs a gated reply
// cycle. The response reports what happened; a suppressed reply is a normal
// 200 with sent=0.
func (g *Gateway) handleWebhookMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	var msg webhookMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if msg.Sender == "" || msg.Text == "" {
		writeError(w, http.StatusBadRequest, "sender and text are required")
		return
	}
	if msg.Channel == "" {
		msg.Channel = "webhook"
	}

	res, err := g.engine.HandleInbound(r.Context(), &channels.IncomingMessage{
		ID:        msg.MessageID,
		Channel:   msg.Channel,
		From:      msg.Sender,
		Text:      msg.Text,
		Timestamp: msg.Timestamp,
	})
	if err != nil {
		g.logger.Error("inbound handling failed", "sender", msg.Sender, "error", err)
		writeError(w, http.StatusInternalServerError, "inbound handling failed")
		return
	}

	out := map[string]any{
		"conversation_id": res.Conversation.ID,
		"opted_out":       res.OptedOut,
		"label":           string(res.Label),
		"sent":            0,
	}
	if res.OptedOut {
		writeJSON(w, http.StatusOK, out)
		return
	}

	reply, err := g.engine.Reply(r.Context(), res.Conversation.ID)
	if err != nil {
		g.logger.Error("reply cycle failed", "conversation_id", res.Conversation.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "reply generation failed")
		return
	}
	out["sent"] = len(reply.Sent)
	out["gate_reason"] = string(reply.Decision.Reason)
	writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	convs, err := g.store.ListConversations(r.Context(), g.accountID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

// handleConversation routes /api/conversations/{id}[/action].
func (g *Gateway) handleConversation(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if id == "" {
		writeError(w, http.StatusBadRequest, "conversation ID required")
		return
	}
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch action {
	case "":
		g.getConversation(w, r, id)
	case "takeover":
		g.postTakeover(w, r, id)
	case "label":
		g.postLabel(w, r, id)
	case "goal":
		g.postGoal(w, r, id)
	case "followups":
		g.conversationFollowUps(w, r, id)
	case "history":
		g.getLabelHistory(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "unknown action")
	}
}

func (g *Gateway) getConversation(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	conv, err := g.store.GetConversation(r.Context(), id)
	if errors.Is(err, store.ErrConversationNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (g *Gateway) postTakeover(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	var req struct {
		Active          bool   `json:"active"`
		Reason          string `json:"reason"`
		DurationMinutes int    `json:"duration_minutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var err error
	if req.Active {
		err = g.engine.Gate().ActivateTakeover(r.Context(), id, req.Reason, "operator",
			time.Duration(req.DurationMinutes)*time.Minute)
	} else {
		err = g.engine.Gate().DeactivateTakeover(r.Context(), id, "operator")
	}
	if errors.Is(err, store.ErrConversationNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "takeover change failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"active": req.Active})
}

func (g *Gateway) postLabel(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	var req struct {
		Label  string `json:"label"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	// Operator changes bypass the auto-downgrade protection.
	err := g.engine.Classifier().Apply(r.Context(), id, labels.Label(req.Label),
		labels.ActorHuman, req.Reason)
	if errors.Is(err, store.ErrConversationNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "label change failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"label": req.Label})
}

func (g *Gateway) postGoal(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	var req struct {
		Type      string            `json:"type"`
		Directive string            `json:"directive"`
		Context   map[string]string `json:"context"`
		Priority  int               `json:"priority"`
		Abandon   bool              `json:"abandon"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Abandon {
		err := g.engine.Tracker().Abandon(r.Context(), id)
		if errors.Is(err, store.ErrGoalNotFound) {
			writeError(w, http.StatusNotFound, "no active goal")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "goal abandon failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "abandoned"})
		return
	}

	goal, err := g.engine.Tracker().Create(r.Context(), id, req.Type, req.Directive, req.Context, req.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, goal)
}

func (g *Gateway) conversationFollowUps(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		list, err := g.store.ListFollowUps(r.Context(), id, "")
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list follow-ups")
			return
		}
		writeJSON(w, http.StatusOK, list)

	case http.MethodPost:
		var req struct {
			Type        string     `json:"type"`
			At          *time.Time `json:"at"`
			UseBestTime bool       `json:"use_best_time"`
			DelayHours  float64    `json:"delay_hours"`
			Reason      string     `json:"reason"`
			Template    string     `json:"template"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		f, err := g.engine.Scheduler().Schedule(r.Context(), followup.Request{
			ConversationID: id,
			Type:           store.FollowUpType(req.Type),
			At:             req.At,
			UseBestTime:    req.UseBestTime,
			Delay:          time.Duration(req.DelayHours * float64(time.Hour)),
			Reason:         req.Reason,
			Template:       req.Template,
		})
		if errors.Is(err, store.ErrConversationNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		if errors.Is(err, followup.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "scheduling failed")
			return
		}
		writeJSON(w, http.StatusCreated, f)

	default:
		writeError(w, http.StatusMethodNotAllowed, "GET or POST only")
	}
}

func (g *Gateway) getLabelHistory(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	events, err := g.store.ListLabelHistory(r.Context(), id, 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list label history")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// handleSettings reads or replaces the account settings. Every save bumps the
// version.
func (g *Gateway) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		st, err := g.store.GetSettings(r.Context(), g.accountID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load settings")
			return
		}
		writeJSON(w, http.StatusOK, st)

	case http.MethodPut:
		var st store.AccountSettings
		if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		st.AccountID = g.accountID
		saved, err := g.store.SaveSettings(r.Context(), st)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to save settings")
			return
		}
		writeJSON(w, http.StatusOK, saved)

	default:
		writeError(w, http.StatusMethodNotAllowed, "GET or PUT only")
	}
}
