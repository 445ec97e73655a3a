package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"

	"smartrack/internal/capture"
	"smartrack/internal/contentscript"
	"smartrack/internal/domain"
	"smartrack/internal/storage"
)

// Callback data prefixes for inline buttons.
const (
	cbSaveAnyway = "dup:save"
	cbCancel     = "dup:cancel"
	cbOpen       = "open:"
)

// listLimit is how many links /list shows.
const listLimit = 10

// Sender is the part of the Telegram client the handler uses.
type Sender interface {
	SendMessage(ctx context.Context, params *tgbot.SendMessageParams) (*models.Message, error)
	AnswerCallbackQuery(ctx context.Context, params *tgbot.AnswerCallbackQueryParams) (bool, error)
}

// TabOpener loads pages into tabs and tears them down.
type TabOpener interface {
	Open(ctx context.Context, url string) (*contentscript.Tab, error)
}

// LinkLister lists saved links.
type LinkLister interface {
	List(ctx context.Context) ([]domain.SavedLink, error)
}

// ClickTracker counts a link being opened.
type ClickTracker interface {
	Track(ctx context.Context, linkID string) (domain.SavedLink, error)
}

// Deps are the handler's collaborators.
type Deps struct {
	Tabs     TabOpener
	CloseTab func(tabID int)
	Bridge   capture.Bridge
	Store    capture.LocalStore
	Links    LinkLister
	Clicks   ClickTracker
	Settings *storage.Settings
	Dismiss  time.Duration
}

// session is one chat's capture state.
type session struct {
	orch  *capture.Orchestrator
	tabID int
}

// Handler holds dependencies for the Telegram bot handlers.
type Handler struct {
	bot    *tgbot.Bot
	sender Sender
	deps   Deps
	log    logrus.FieldLogger

	mu       sync.Mutex
	sessions map[int64]*session
}

// NewHandler creates the bot and registers its handlers.
func NewHandler(token string, deps Deps, logger logrus.FieldLogger) (*Handler, error) {
	h := newHandler(nil, deps, logger)

	b, err := tgbot.New(token, tgbot.WithDefaultHandler(h.defaultHandler))
	if err != nil {
		h.log.WithError(err).Error("Failed to create Telegram bot instance")
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	h.bot = b
	h.sender = b
	h.registerHandlers()

	h.log.Info("Telegram bot handler initialized")
	return h, nil
}

func newHandler(sender Sender, deps Deps, logger logrus.FieldLogger) *Handler {
	return &Handler{
		sender:   sender,
		deps:     deps,
		log:      logger.WithField("component", "bot_handler"),
		sessions: make(map[int64]*session),
	}
}

// registerHandlers sets up the command and callback handlers.
func (h *Handler) registerHandlers() {
	h.bot.RegisterHandler(tgbot.HandlerTypeMessageText, "/start", tgbot.MatchTypeExact, h.startHandler)
	h.bot.RegisterHandler(tgbot.HandlerTypeMessageText, "/list", tgbot.MatchTypeExact, h.listHandler)
	h.bot.RegisterHandler(tgbot.HandlerTypeCallbackQueryData, "", tgbot.MatchTypePrefix, h.callbackHandler)
	h.log.Info("Registered command and callback handlers")
}

// Start begins polling for updates from Telegram.
// This function blocks until the context is cancelled.
func (h *Handler) Start(ctx context.Context) {
	h.log.Info("Starting Telegram bot polling...")
	h.bot.Start(ctx)
	h.log.Info("Telegram bot polling stopped.")
}

func (h *Handler) startHandler(ctx context.Context, _ *tgbot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}
	h.welcome(ctx, update.Message.Chat.ID)
}

const (
	welcomeText    = "Welcome to SmarTrack! Send me a link, optionally followed by #tags, and I'll save it with its page details."
	onboardingText = welcomeText + "\n\n" +
		"Add a label with label:name and a priority with !high, !medium or !low.\n" +
		"Use /list to see your saved links and open them."
)

// welcome shows the onboarding guide until it has been seen once.
func (h *Handler) welcome(ctx context.Context, chatID int64) {
	if h.deps.Settings == nil {
		h.reply(ctx, chatID, welcomeText, nil)
		return
	}
	seen, err := h.deps.Settings.Bool(ctx, storage.KeyDontShowOnboarding, false)
	if err != nil {
		h.log.WithError(err).Warn("Failed to read onboarding flag")
	}
	if seen {
		h.reply(ctx, chatID, welcomeText, nil)
		return
	}
	h.reply(ctx, chatID, onboardingText, nil)
	if err := h.deps.Settings.SetBool(ctx, storage.KeyDontShowOnboarding, true); err != nil {
		h.log.WithError(err).Warn("Failed to record onboarding as shown")
	}
}

func (h *Handler) defaultHandler(ctx context.Context, _ *tgbot.Bot, update *models.Update) {
	if update.Message == nil || update.Message.Text == "" {
		return
	}
	h.handleText(ctx, update.Message.Chat.ID, update.Message.Text)
}

func (h *Handler) handleText(ctx context.Context, chatID int64, text string) {
	log := h.log.WithField("chat_id", chatID)

	form, ok := ParseMessage(text)
	if !ok {
		log.Debug("Message has no link")
		h.reply(ctx, chatID, "Send me a link starting with http:// or https://.", nil)
		return
	}

	s := h.session(chatID)
	if s.orch.State() == capture.Capturing {
		h.reply(ctx, chatID, "Still saving the previous link, please wait.", nil)
		return
	}
	h.closeTab(s)

	tab, err := h.deps.Tabs.Open(ctx, form.URL)
	tabID := 0
	if err != nil {
		// The orchestrator still saves the form fields through the background.
		log.WithError(err).WithField("url", form.URL).Warn("Could not open page")
	} else {
		tabID = tab.ID
	}
	h.mu.Lock()
	s.tabID = tabID
	h.mu.Unlock()

	snap, err := s.orch.Save(ctx, tabID, form)
	if err != nil {
		log.WithError(err).Info("Capture rejected")
	}
	h.present(ctx, chatID, s, snap)
}

func (h *Handler) listHandler(ctx context.Context, _ *tgbot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}
	h.sendList(ctx, update.Message.Chat.ID)
}

func (h *Handler) sendList(ctx context.Context, chatID int64) {
	links, err := h.deps.Links.List(ctx)
	if err != nil {
		h.log.WithError(err).Error("Failed to list links")
		h.reply(ctx, chatID, "Could not read your links, please try again.", nil)
		return
	}
	if len(links) == 0 {
		h.reply(ctx, chatID, "No links saved yet.", nil)
		return
	}
	if len(links) > listLimit {
		links = links[:listLimit]
	}

	var b strings.Builder
	rows := make([][]models.InlineKeyboardButton, 0, len(links))
	for i, l := range links {
		fmt.Fprintf(&b, "%d. %s (%d clicks)\n", i+1, l.Title, l.ClickCount)
		rows = append(rows, []models.InlineKeyboardButton{{
			Text:         fmt.Sprintf("Open %d", i+1),
			CallbackData: cbOpen + l.ID,
		}})
	}
	h.reply(ctx, chatID, b.String(), &models.InlineKeyboardMarkup{InlineKeyboard: rows})
}

func (h *Handler) callbackHandler(ctx context.Context, _ *tgbot.Bot, update *models.Update) {
	cq := update.CallbackQuery
	if cq == nil || cq.Message.Message == nil {
		return
	}
	if _, err := h.sender.AnswerCallbackQuery(ctx, &tgbot.AnswerCallbackQueryParams{CallbackQueryID: cq.ID}); err != nil {
		h.log.WithError(err).Warn("Failed to answer callback query")
	}
	h.handleCallback(ctx, cq.Message.Message.Chat.ID, cq.Data)
}

func (h *Handler) handleCallback(ctx context.Context, chatID int64, data string) {
	log := h.log.WithFields(logrus.Fields{"chat_id": chatID, "data": data})
	s := h.session(chatID)

	switch {
	case data == cbSaveAnyway:
		snap, err := s.orch.SaveAnyway(ctx)
		if err != nil {
			log.WithError(err).Info("Nothing to confirm")
			h.reply(ctx, chatID, "There is no pending link to save.", nil)
			return
		}
		h.present(ctx, chatID, s, snap)
	case data == cbCancel:
		s.orch.Cancel()
		h.closeTab(s)
		h.reply(ctx, chatID, "Cancelled.", nil)
	case strings.HasPrefix(data, cbOpen):
		id := strings.TrimPrefix(data, cbOpen)
		link, err := h.deps.Clicks.Track(ctx, id)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			log.WithError(err).Info("Link to open was not found")
			h.reply(ctx, chatID, "That link is no longer available.", nil)
			return
		case err != nil && link.URL == "":
			log.WithError(err).Warn("Click tracking failed")
			h.reply(ctx, chatID, "Could not open that link right now, please try again.", nil)
			return
		}
		h.reply(ctx, chatID, link.URL, nil)
	default:
		log.Debug("Unknown callback data")
	}
}

// present renders a capture snapshot.
func (h *Handler) present(ctx context.Context, chatID int64, s *session, snap capture.Snapshot) {
	switch snap.State {
	case capture.Succeeded:
		h.closeTab(s)
		text := "Saved: " + snap.Link.Title
		if snap.LocalOnly {
			text += "\n(kept locally, it will not sync until the service is back)"
		}
		h.reply(ctx, chatID, text, nil)
	case capture.DuplicateFound:
		var b strings.Builder
		b.WriteString("You already saved this link:\n")
		for _, d := range snap.Duplicates {
			fmt.Fprintf(&b, "- %s (%s)\n", d.Title, d.CreatedAt.Format("2006-01-02"))
		}
		h.reply(ctx, chatID, b.String(), &models.InlineKeyboardMarkup{
			InlineKeyboard: [][]models.InlineKeyboardButton{{
				{Text: "Save anyway", CallbackData: cbSaveAnyway},
				{Text: "Cancel", CallbackData: cbCancel},
			}},
		})
	case capture.Failed:
		h.closeTab(s)
		h.reply(ctx, chatID, "Could not save the link: "+snap.Message, nil)
	case capture.Capturing:
		h.reply(ctx, chatID, "Still saving the previous link, please wait.", nil)
	}
}

func (h *Handler) session(chatID int64) *session {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[chatID]
	if !ok {
		s = &session{orch: capture.New(h.deps.Bridge, h.deps.Store, h.deps.Dismiss, h.log)}
		h.sessions[chatID] = s
	}
	return s
}

func (h *Handler) closeTab(s *session) {
	h.mu.Lock()
	id := s.tabID
	s.tabID = 0
	h.mu.Unlock()
	if id != 0 && h.deps.CloseTab != nil {
		h.deps.CloseTab(id)
	}
}

func (h *Handler) reply(ctx context.Context, chatID int64, text string, markup models.ReplyMarkup) {
	params := &tgbot.SendMessageParams{ChatID: chatID, Text: text}
	if markup != nil {
		params.ReplyMarkup = markup
	}
	if _, err := h.sender.SendMessage(ctx, params); err != nil {
		h.log.WithError(err).WithField("chat_id", chatID).Error("Failed to send message")
	}
}

// ParseMessage reads a link and #tags from a chat message.
func ParseMessage(text string) (capture.Form, bool) {
	var form capture.Form
	for _, word := range strings.Fields(text) {
		switch {
		case form.URL == "" && (strings.HasPrefix(word, "http://") || strings.HasPrefix(word, "https://")):
			form.URL = word
		case strings.HasPrefix(word, "#") && len(word) > 1:
			form.Tags = append(form.Tags, strings.TrimPrefix(word, "#"))
		case strings.HasPrefix(word, "label:") && len(word) > len("label:"):
			form.Label = strings.TrimPrefix(word, "label:")
		case strings.HasPrefix(word, "!"):
			if p, err := domain.ParsePriority(strings.TrimPrefix(word, "!")); err == nil {
				form.Priority = p
			}
		}
	}
	return form, form.URL != ""
}
