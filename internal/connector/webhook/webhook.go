// Package webhook accepts customer messages from external sources (web
// forms, mail gateways) over HTTP and opens tickets for them.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/h1v3-io/deskline/internal/connector"
	"github.com/h1v3-io/deskline/pkg/protocol"
)

const maxBody = 1 << 20

// Config holds the intake sources keyed by name, e.g. {"form": {...}}.
type Config struct {
	Sources map[string]SourceConfig `json:"sources"`
}

// SourceConfig holds per-source authentication. Exactly one of Secret or
// BearerToken should be set; a source with neither accepts any caller.
type SourceConfig struct {
	// Secret for HMAC-SHA256 signature verification (X-Signature-256 header).
	Secret string `json:"secret,omitempty"`
	// BearerToken for Authorization header auth. Used if Secret is empty.
	BearerToken string `json:"bearer_token,omitempty"`
}

// Payload is the JSON body of an intake request.
type Payload struct {
	SenderID   string            `json:"sender_id"`
	SenderName string            `json:"sender_name,omitempty"`
	ReplyTo    string            `json:"reply_to,omitempty"`
	Content    string            `json:"content"`
	Fields     map[string]string `json:"fields,omitempty"`
}

// TicketOpener opens a ticket for an inbound message.
type TicketOpener interface {
	OpenTicket(ctx context.Context, msg connector.InboundMessage) (protocol.Ticket, error)
}

// Handler serves POST /api/intake/{source}.
type Handler struct {
	config Config
	opener TicketOpener
	logger *slog.Logger
}

// New creates an intake handler.
func New(cfg Config, opener TicketOpener, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	for name, src := range cfg.Sources {
		if src.Secret == "" && src.BearerToken == "" {
			logger.Warn("intake source has no authentication", "source", name)
		}
	}
	return &Handler{
		config: cfg,
		opener: opener,
		logger: logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	name := r.PathValue("source")
	if name == "" {
		name = lastSegment(r.URL.Path)
	}
	src, ok := h.config.Sources[name]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown intake source: %s", name))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if !authenticate(r, src, body) {
		h.logger.Warn("intake request rejected", "source", name, "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if strings.TrimSpace(p.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	msg := toInbound(name, p)
	t, err := h.opener.OpenTicket(r.Context(), msg)
	if err != nil {
		h.logger.Error("intake open ticket failed", "source", name, "error", err)
		status := http.StatusInternalServerError
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, "could not open ticket")
		return
	}

	h.logger.Info("intake ticket opened", "source", name, "ticket_id", t.ID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{"status": "ok", "ticket_id": t.ID})
}

// toInbound builds the ticket message. Extra form fields are appended as
// sorted "key: value" lines so agents see them with the ticket.
func toInbound(source string, p Payload) connector.InboundMessage {
	content := strings.TrimSpace(p.Content)
	if len(p.Fields) > 0 {
		keys := make([]string, 0, len(p.Fields))
		for k := range p.Fields {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		var b strings.Builder
		b.WriteString(content)
		b.WriteString("\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "\n%s: %s", k, p.Fields[k])
		}
		content = b.String()
	}

	msg := connector.InboundMessage{
		Channel:    "webhook:" + source,
		SenderID:   p.SenderID,
		SenderName: p.SenderName,
		ChatID:     p.ReplyTo,
		Content:    content,
	}
	if msg.SenderID == "" {
		msg.SenderID = source
	}
	if msg.ChatID == "" {
		msg.ChatID = msg.SenderID
	}
	return msg
}

func authenticate(r *http.Request, src SourceConfig, body []byte) bool {
	if src.Secret != "" {
		return verifyHMAC(body, src.Secret, r.Header.Get("X-Signature-256"))
	}
	if src.BearerToken != "" {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		return ok && hmac.Equal([]byte(token), []byte(src.BearerToken))
	}
	return true
}

// verifyHMAC checks a "sha256=<hex>" signature of body.
func verifyHMAC(body []byte, secret, signature string) bool {
	hexSig, ok := strings.CutPrefix(signature, "sha256=")
	if !ok {
		return false
	}
	want, err := hex.DecodeString(hexSig)
	if err != nil {
		return false
	}
	return hmac.Equal(sign(body, secret), want)
}

func sign(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// Signature returns the X-Signature-256 header value for body.
func Signature(body []byte, secret string) string {
	return "sha256=" + hex.EncodeToString(sign(body, secret))
}

func lastSegment(path string) string {
	path = strings.TrimSuffix(path, "/")
	return path[strings.LastIndex(path, "/")+1:]
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
