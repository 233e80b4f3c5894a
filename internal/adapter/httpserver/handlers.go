package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/tg-broadcast/internal/config"
	"github.com/fairyhunter13/tg-broadcast/internal/domain"
	"github.com/fairyhunter13/tg-broadcast/internal/usecase"
)

// AdminService is the campaign administration surface the handlers call.
type AdminService interface {
	Create(ctx domain.Context, in usecase.CampaignInput) (domain.Campaign, error)
	Update(ctx domain.Context, id int64, p domain.CampaignPatch) (domain.Campaign, error)
	Get(ctx domain.Context, id int64) (domain.Campaign, error)
	List(ctx domain.Context, limit int) ([]domain.Campaign, error)
	Queue(ctx domain.Context, id int64) (domain.Campaign, error)
	Pause(ctx domain.Context, id int64) (domain.Campaign, error)
	Resume(ctx domain.Context, id int64) (domain.Campaign, error)
	Cancel(ctx domain.Context, id int64) (domain.Campaign, error)
	Messages(ctx domain.Context, id int64, limit int) ([]domain.OutboxMessage, error)
}

// Server wires campaign admin handlers to the usecase layer.
type Server struct {
	Cfg      config.Config
	Admin    AdminService
	validate *validator.Validate
}

// NewServer constructs a Server.
func NewServer(cfg config.Config, admin AdminService) *Server {
	return &Server{Cfg: cfg, Admin: admin, validate: validator.New()}
}

// Routes mounts the campaign endpoints on r.
func (s *Server) Routes(r chi.Router) {
	r.Get("/campaigns", s.handleList)
	r.Post("/campaigns", s.handleCreate)
	r.Get("/campaigns/{id}", s.handleGet)
	r.Patch("/campaigns/{id}", s.handleUpdate)
	r.Post("/campaigns/{id}/queue", s.transitionHandler(s.Admin.Queue))
	r.Post("/campaigns/{id}/pause", s.transitionHandler(s.Admin.Pause))
	r.Post("/campaigns/{id}/resume", s.transitionHandler(s.Admin.Resume))
	r.Post("/campaigns/{id}/cancel", s.transitionHandler(s.Admin.Cancel))
	r.Get("/campaigns/{id}/messages", s.handleMessages)
}

type campaignRead struct {
	ID                    int64      `json:"id"`
	Name                  string     `json:"name"`
	AudienceType          string     `json:"audience_type"`
	AudienceParams        string     `json:"audience_params,omitempty"`
	Text                  string     `json:"text"`
	ParseMode             string     `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool       `json:"disable_web_page_preview"`
	ReplyMarkup           string     `json:"reply_markup,omitempty"`
	PhotoFileID           string     `json:"photo_file_id,omitempty"`
	PhotoURL              string     `json:"photo_url,omitempty"`
	Status                string     `json:"status"`
	ScheduledAt           *time.Time `json:"scheduled_at,omitempty"`
	StartedAt             *time.Time `json:"started_at,omitempty"`
	FinishedAt            *time.Time `json:"finished_at,omitempty"`
	TotalRecipients       int64      `json:"total_recipients"`
	SentCount             int64      `json:"sent_count"`
	FailedCount           int64      `json:"failed_count"`
	LastError             string     `json:"last_error,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

func toCampaignRead(c domain.Campaign) campaignRead {
	return campaignRead{
		ID:                    c.ID,
		Name:                  c.Name,
		AudienceType:          string(c.AudienceType),
		AudienceParams:        c.AudienceParams,
		Text:                  c.Text,
		ParseMode:             c.ParseMode,
		DisableWebPagePreview: c.DisableWebPagePreview,
		ReplyMarkup:           c.ReplyMarkup,
		PhotoFileID:           c.PhotoFileID,
		PhotoURL:              c.PhotoURL,
		Status:                string(c.Status),
		ScheduledAt:           c.ScheduledAt,
		StartedAt:             c.StartedAt,
		FinishedAt:            c.FinishedAt,
		TotalRecipients:       c.TotalRecipients,
		SentCount:             c.SentCount,
		FailedCount:           c.FailedCount,
		LastError:             c.LastError,
		CreatedAt:             c.CreatedAt,
		UpdatedAt:             c.UpdatedAt,
	}
}

type messageRead struct {
	ID          int64      `json:"id"`
	ChatID      int64      `json:"chat_id"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
}

type campaignCreate struct {
	Name                  string     `json:"name" validate:"required,max=120"`
	AudienceType          string     `json:"audience_type" validate:"omitempty,max=64"`
	AudienceParams        string     `json:"audience_params"`
	Text                  string     `json:"text" validate:"required,max=4096"`
	ParseMode             string     `json:"parse_mode"`
	DisableWebPagePreview bool       `json:"disable_web_page_preview"`
	ReplyMarkup           string     `json:"reply_markup"`
	PhotoFileID           string     `json:"photo_file_id"`
	PhotoURL              string     `json:"photo_url" validate:"omitempty,url"`
	ScheduledAt           *time.Time `json:"scheduled_at"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req campaignCreate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid JSON body", domain.ErrInvalidArgument), nil)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, r, fmt.Errorf("%w: %s", domain.ErrInvalidArgument, err.Error()), nil)
		return
	}
	c, err := s.Admin.Create(r.Context(), usecase.CampaignInput{
		Name:                  req.Name,
		AudienceType:          req.AudienceType,
		AudienceParams:        req.AudienceParams,
		Text:                  req.Text,
		ParseMode:             req.ParseMode,
		DisableWebPagePreview: req.DisableWebPagePreview,
		ReplyMarkup:           req.ReplyMarkup,
		PhotoFileID:           req.PhotoFileID,
		PhotoURL:              req.PhotoURL,
		ScheduledAt:           req.ScheduledAt,
	})
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, toCampaignRead(c))
}

// campaignUpdate mirrors campaignCreate with every field optional. An
// explicit "scheduled_at": null clears the schedule, which a plain pointer
// field cannot distinguish from absence, hence the raw-presence check.
type campaignUpdate struct {
	Name                  *string    `json:"name" validate:"omitempty,max=120"`
	AudienceType          *string    `json:"audience_type"`
	AudienceParams        *string    `json:"audience_params"`
	Text                  *string    `json:"text" validate:"omitempty,max=4096"`
	ParseMode             *string    `json:"parse_mode"`
	DisableWebPagePreview *bool      `json:"disable_web_page_preview"`
	ReplyMarkup           *string    `json:"reply_markup"`
	PhotoFileID           *string    `json:"photo_file_id"`
	PhotoURL              *string    `json:"photo_url"`
	ScheduledAt           *time.Time `json:"scheduled_at"`
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := s.campaignID(w, r)
	if !ok {
		return
	}
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid JSON body", domain.ErrInvalidArgument), nil)
		return
	}
	buf, _ := json.Marshal(raw)
	var req campaignUpdate
	if err := json.Unmarshal(buf, &req); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid JSON body", domain.ErrInvalidArgument), nil)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, r, fmt.Errorf("%w: %s", domain.ErrInvalidArgument, err.Error()), nil)
		return
	}

	p := domain.CampaignPatch{
		Name:                  req.Name,
		AudienceParams:        req.AudienceParams,
		Text:                  req.Text,
		ParseMode:             req.ParseMode,
		DisableWebPagePreview: req.DisableWebPagePreview,
		ReplyMarkup:           req.ReplyMarkup,
		PhotoFileID:           req.PhotoFileID,
		PhotoURL:              req.PhotoURL,
		ScheduledAt:           req.ScheduledAt,
	}
	if req.AudienceType != nil {
		at := domain.AudienceType(*req.AudienceType)
		p.AudienceType = &at
	}
	if v, present := raw["scheduled_at"]; present && string(v) == "null" {
		p.ClearScheduledAt = true
	}

	c, err := s.Admin.Update(r.Context(), id, p)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, toCampaignRead(c))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	list, err := s.Admin.List(r.Context(), limit)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	out := make([]campaignRead, 0, len(list))
	for _, c := range list {
		out = append(out, toCampaignRead(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := s.campaignID(w, r)
	if !ok {
		return
	}
	c, err := s.Admin.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, toCampaignRead(c))
}

func (s *Server) transitionHandler(op func(domain.Context, int64) (domain.Campaign, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.campaignID(w, r)
		if !ok {
			return
		}
		c, err := op(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toCampaignRead(c))
	}
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := s.campaignID(w, r)
	if !ok {
		return
	}
	limit := queryInt(r, "limit", 200)
	msgs, err := s.Admin.Messages(r.Context(), id, limit)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	out := make([]messageRead, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageRead{
			ID:          m.ID,
			ChatID:      m.ChatID,
			Status:      string(m.Status),
			Attempts:    m.Attempts,
			NextRetryAt: m.NextRetryAt,
			LastError:   m.LastError,
			SentAt:      m.SentAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) campaignID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, fmt.Errorf("%w: invalid campaign id", domain.ErrInvalidArgument), nil)
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
