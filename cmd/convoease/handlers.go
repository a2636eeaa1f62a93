package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/convoease/convoease/moderation/archive"
	"github.com/convoease/convoease/moderation/content"
	"github.com/convoease/convoease/moderation/countstore"
	"github.com/convoease/convoease/moderation/engine"
	"github.com/convoease/convoease/moderation/judge"
	"github.com/convoease/convoease/moderation/ruleset"

	"github.com/carlmjohnson/versioninfo"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/sony/gobreaker"
)

type GenericError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type GenericStatus struct {
	Daemon  string `json:"daemon"`
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Message string `json:"message,omitempty"`
	// one of the Moderation* constants; health check only
	Moderation string `json:"moderation,omitempty"`
}

const (
	ModerationOK           = "ok"
	ModerationUnavailable  = "unavailable"
	ModerationUnconfigured = "unconfigured"
)

// Client-facing rendering of a moderated item. Never includes payload bytes.
type ItemView struct {
	ID         int64     `json:"id"`
	Generation int64     `json:"generation"`
	Sender     string    `json:"sender"`
	Kind       string    `json:"kind"`
	Format     string    `json:"format,omitempty"`
	Surrogate  string    `json:"surrogate"`
	CreatedAt  time.Time `json:"createdAt"`
	Status     string    `json:"status"`
	Accepted   bool      `json:"accepted"`
	Reason     string    `json:"reason"`
	Confidence float64   `json:"confidence"`
	Revision   int64     `json:"revision"`
	// set when the result is a fail-open default
	Notice string `json:"notice,omitempty"`
}

const NoticeModerationUnavailable = "moderation unavailable"

func itemView(it content.Item) ItemView {
	v := ItemView{
		ID:         it.ID,
		Generation: it.Generation,
		Sender:     it.Sender,
		Kind:       it.Kind.String(),
		Format:     it.Format,
		Surrogate:  it.Surrogate,
		CreatedAt:  it.CreatedAt,
		Status:     "delivered",
		Accepted:   it.Result.Accepted,
		Reason:     it.Result.Reason,
		Confidence: it.Result.Confidence,
		Revision:   it.Result.Revision,
	}
	if !it.Result.Accepted {
		v.Status = "flagged"
	}
	if it.Result.Degraded() {
		v.Notice = NoticeModerationUnavailable
	}
	return v
}

func itemViews(items []content.Item) []ItemView {
	out := make([]ItemView, len(items))
	for i, it := range items {
		out[i] = itemView(it)
	}
	return out
}

type ConversationView struct {
	ID    string          `json:"id"`
	Rules ruleset.RuleSet `json:"rules"`
}

type CreateConversationRequest struct {
	Rules *string `json:"rules"`
}

type UpdateRulesRequest struct {
	Text string `json:"text"`
}

type SubmitMessageRequest struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

type SenderFlagsView struct {
	Sender       string   `json:"sender"`
	Flags        []string `json:"flags"`
	FlaggedCount int      `json:"flaggedCount"`
	// most recent rejections, newest first; only when an archive is configured
	Recent []archive.Entry `json:"recent,omitempty"`
}

type GlobalStatsView struct {
	Period countstore.Period                 `json:"period"`
	ByKind map[content.Kind]countstore.Tally `json:"byKind"`
}

const senderRecentLimit = 20

func (srv *Server) errorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	var errorMessage string
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		errorMessage = fmt.Sprintf("%s", he.Message)
	}
	if code >= 500 {
		srv.logger.Warn("convoease-http-internal-error", "err", err)
	}
	c.JSON(code, GenericError{Error: http.StatusText(code), Message: errorMessage})
}

// Always 200 while the process is serving. An open judge circuit breaker is reported as moderation "unavailable": content is still accepted, but unjudged.
func (srv *Server) HandleHealthCheck(c echo.Context) error {
	st := GenericStatus{Status: "ok", Daemon: "convoease", Version: versioninfo.Short(), Moderation: ModerationOK}
	var j judge.Judge
	if srv.engine.Validator != nil {
		j = srv.engine.Validator.Judge
	}
	switch bj := j.(type) {
	case nil:
		st.Moderation = ModerationUnconfigured
	case *judge.BreakerJudge:
		if state := bj.State(); state != gobreaker.StateClosed.String() {
			st.Message = "judge circuit breaker " + state
			if state == gobreaker.StateOpen.String() {
				st.Moderation = ModerationUnavailable
			}
		}
	}
	return c.JSON(200, st)
}

// Looks up the ":conv" path parameter, writing a 404 response if it isn't known.
func (srv *Server) lookupConversation(c echo.Context) (*engine.Conversation, error) {
	conv, ok := srv.conversation(c.Param("conv"))
	if !ok {
		return nil, c.JSON(404, GenericError{
			Error:   "ConversationNotFound",
			Message: fmt.Sprintf("no conversation with id: %s", c.Param("conv")),
		})
	}
	return conv, nil
}

func (srv *Server) HandleCreateConversation(c echo.Context) error {
	var req CreateConversationRequest
	// an empty body is fine
	if err := c.Bind(&req); err != nil {
		return c.JSON(400, GenericError{Error: "InvalidRequest", Message: err.Error()})
	}
	rules := srv.defaultRules
	if req.Rules != nil {
		rules = *req.Rules
	}
	conv, err := engine.NewConversation(uuid.NewString(), rules)
	if err != nil {
		return c.JSON(400, GenericError{Error: "InvalidRules", Message: err.Error()})
	}
	srv.addConversation(conv)
	srv.logger.Info("conversation created", "conv", conv.ID)
	return c.JSON(200, ConversationView{ID: conv.ID, Rules: conv.Rules.Current()})
}

func (srv *Server) HandleGetRules(c echo.Context) error {
	conv, err := srv.lookupConversation(c)
	if conv == nil {
		return err
	}
	return c.JSON(200, conv.Rules.Current())
}

func (srv *Server) HandleUpdateRules(c echo.Context) error {
	conv, err := srv.lookupConversation(c)
	if conv == nil {
		return err
	}
	var req UpdateRulesRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(400, GenericError{Error: "InvalidRequest", Message: err.Error()})
	}
	rs, err := conv.Rules.Update(req.Text)
	if errors.Is(err, ruleset.ErrTooLong) {
		return c.JSON(400, GenericError{Error: "RulesTooLong", Message: err.Error()})
	} else if err != nil {
		return err
	}
	srv.logger.Info("conversation rules updated", "conv", conv.ID, "revision", rs.Revision)
	return c.JSON(200, rs)
}

func (srv *Server) submit(c echo.Context, conv *engine.Conversation, sub engine.Submission) error {
	item, err := srv.engine.Submit(c.Request().Context(), conv, sub)
	if errors.Is(err, engine.ErrInvalidSubmission) {
		return c.JSON(400, GenericError{Error: "InvalidSubmission", Message: err.Error()})
	} else if err != nil {
		return err
	}
	return c.JSON(200, itemView(*item))
}

func (srv *Server) HandleSubmitMessage(c echo.Context) error {
	conv, err := srv.lookupConversation(c)
	if conv == nil {
		return err
	}
	var req SubmitMessageRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(400, GenericError{Error: "InvalidRequest", Message: err.Error()})
	}
	return srv.submit(c, conv, engine.TextSubmission(req.Sender, req.Text))
}

// Multipart form with "sender", "kind" (image or audio) and "file" fields. The format is taken from an explicit "format" field, or the file name extension.
func (srv *Server) HandleSubmitMedia(c echo.Context) error {
	conv, err := srv.lookupConversation(c)
	if conv == nil {
		return err
	}
	kind, err := content.ParseKind(c.FormValue("kind"))
	if err != nil || !kind.IsMedia() {
		return c.JSON(400, GenericError{Error: "InvalidSubmission", Message: "kind must be 'image' or 'audio'"})
	}
	fh, err := c.FormFile("file")
	if err != nil {
		return c.JSON(400, GenericError{Error: "InvalidSubmission", Message: fmt.Sprintf("missing file: %s", err)})
	}
	f, err := fh.Open()
	if err != nil {
		return err
	}
	defer f.Close()
	// read one byte past the limit, so oversized files fail the engine's check rather than being silently truncated
	payload, err := io.ReadAll(io.LimitReader(f, int64(engine.MaxMediaBytes)+1))
	if err != nil {
		return err
	}
	format := c.FormValue("format")
	if format == "" {
		format = strings.TrimPrefix(filepath.Ext(fh.Filename), ".")
	}
	return srv.submit(c, conv, engine.Submission{
		Sender:  c.FormValue("sender"),
		Kind:    kind,
		Payload: payload,
		Format:  format,
	})
}

func (srv *Server) HandleDelivered(c echo.Context) error {
	conv, err := srv.lookupConversation(c)
	if conv == nil {
		return err
	}
	return c.JSON(200, itemViews(conv.Ledger.Delivered()))
}

func (srv *Server) HandleFlagged(c echo.Context) error {
	conv, err := srv.lookupConversation(c)
	if conv == nil {
		return err
	}
	return c.JSON(200, itemViews(conv.Ledger.Flagged()))
}

func (srv *Server) HandleStats(c echo.Context) error {
	conv, err := srv.lookupConversation(c)
	if conv == nil {
		return err
	}
	return c.JSON(200, conv.Ledger.Stats())
}

// Raw bytes of a delivered item. Flagged items are indistinguishable from unknown ones.
func (srv *Server) HandleItemPayload(c echo.Context) error {
	conv, err := srv.lookupConversation(c)
	if conv == nil {
		return err
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(400, GenericError{Error: "InvalidRequest", Message: "item id must be an integer"})
	}
	it, ok := conv.Ledger.Get(id)
	if !ok || !it.Result.Accepted {
		return c.JSON(404, GenericError{Error: "ItemNotFound", Message: fmt.Sprintf("no delivered item with id: %d", id)})
	}
	payload, ok := conv.Ledger.Payload(id)
	if !ok {
		return c.JSON(404, GenericError{Error: "ItemNotFound", Message: fmt.Sprintf("no delivered item with id: %d", id)})
	}
	return c.Blob(200, payloadContentType(it.Kind, it.Format), payload)
}

func (srv *Server) HandleClear(c echo.Context) error {
	conv, err := srv.lookupConversation(c)
	if conv == nil {
		return err
	}
	conv.Ledger.Clear()
	srv.logger.Info("conversation cleared", "conv", conv.ID)
	return c.JSON(200, GenericStatus{Status: "ok", Daemon: "convoease"})
}

func (srv *Server) HandleHistory(c echo.Context) error {
	conv, err := srv.lookupConversation(c)
	if conv == nil {
		return err
	}
	if srv.archive == nil {
		return c.JSON(404, GenericError{Error: "ArchiveNotConfigured", Message: "no database configured for archiving"})
	}
	limit := 100
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 1000 {
			return c.JSON(400, GenericError{Error: "InvalidRequest", Message: "limit must be between 1 and 1000"})
		}
	}
	rows, err := srv.archive.List(c.Request().Context(), conv.ID, limit)
	if err != nil {
		return err
	}
	return c.JSON(200, rows)
}

func (srv *Server) HandleSenderFlags(c echo.Context) error {
	ctx := c.Request().Context()
	sender := c.Param("sender")
	out := SenderFlagsView{Sender: sender, Flags: []string{}}
	if srv.engine.Flags != nil {
		flags, err := srv.engine.Flags.Get(ctx, sender)
		if err != nil {
			return err
		}
		out.Flags = flags
	}
	n, err := srv.engine.SenderFlagCount(ctx, sender)
	if err != nil {
		return err
	}
	out.FlaggedCount = n
	if srv.archive != nil {
		out.Recent, err = srv.archive.ListFlaggedBySender(ctx, sender, senderRecentLimit)
		if err != nil {
			return err
		}
	}
	return c.JSON(200, out)
}

func (srv *Server) HandleClearSenderFlags(c echo.Context) error {
	sender := c.Param("sender")
	removed, err := srv.engine.ClearSenderFlags(c.Request().Context(), sender)
	if err != nil {
		return err
	}
	return c.JSON(200, GenericStatus{Status: "ok", Daemon: "convoease", Message: fmt.Sprintf("removed %d flags", len(removed))})
}

// Query param "period" is one of total (default), day or hour.
func (srv *Server) HandleGlobalStats(c echo.Context) error {
	period, err := countstore.ParsePeriod(c.QueryParam("period"))
	if err != nil {
		return c.JSON(400, GenericError{Error: "InvalidRequest", Message: err.Error()})
	}
	tallies, err := srv.engine.Tallies(c.Request().Context(), period)
	if err != nil {
		return err
	}
	return c.JSON(200, GlobalStatsView{Period: period, ByKind: tallies})
}

// Forgets the conversation's ledger and rules, and purges its archived rows.
func (srv *Server) HandleDeleteConversation(c echo.Context) error {
	conv, err := srv.lookupConversation(c)
	if conv == nil {
		return err
	}
	srv.removeConversation(conv.ID)
	var purged int64
	if srv.archive != nil {
		purged, err = srv.archive.Purge(c.Request().Context(), conv.ID)
		if err != nil {
			return err
		}
	}
	srv.logger.Info("conversation deleted", "conv", conv.ID, "purgedRows", purged)
	return c.JSON(200, GenericStatus{Status: "ok", Daemon: "convoease", Message: fmt.Sprintf("purged %d archived rows", purged)})
}

func payloadContentType(kind content.Kind, format string) string {
	if kind == content.KindText {
		return "text/plain; charset=utf-8"
	}
	switch format {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "png", "gif", "webp":
		return "image/" + format
	case "mp3":
		return "audio/mpeg"
	case "wav":
		return "audio/wav"
	case "m4a":
		return "audio/mp4"
	case "ogg", "flac":
		return "audio/" + format
	default:
		return "application/octet-stream"
	}
}
