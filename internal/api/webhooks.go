package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/peritoai/periti/internal/auth"
	"github.com/peritoai/periti/internal/models"
	"github.com/peritoai/periti/internal/store"
	"github.com/peritoai/periti/internal/worker"
	"github.com/rs/zerolog"
)

// WebhookTokenHeader carries the shared secret of the mail gateway.
const WebhookTokenHeader = "X-Webhook-Token"

const emailWebhookPath = "/webhooks/email"

var errUnauthorizedWebhook = fmt.Errorf("%w: invalid webhook token", auth.ErrUnauthenticated)

// OrganizationDirectory finds the organization owning an intake mailbox.
// *postgres.OrganizationStore implements it.
type OrganizationDirectory interface {
	GetByInboundAlias(ctx context.Context, alias string) (*models.Organization, error)
}

// WithEmailIntake enables the inbound email webhook. Requests must present secret in
// the X-Webhook-Token header.
func (s *Server) WithEmailIntake(orgs OrganizationDirectory, secret string) *Server {
	s.orgs = orgs
	s.webhookSecret = secret
	return s
}

type inboundEmailRequest struct {
	To          string                   `json:"to"`
	MessageID   string                   `json:"message_id"`
	Sender      string                   `json:"sender"`
	Subject     string                   `json:"subject"`
	ReceivedAt  time.Time                `json:"received_at"`
	Attachments []worker.EmailAttachment `json:"attachments"`
}

// receiveEmail routes a parsed inbound email to the organization owning the recipient
// mailbox and queues it for processing. The request carries no user identity; the task
// runs under the organization's intake scope.
func (s *Server) receiveEmail(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(WebhookTokenHeader)
	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.webhookSecret)) != 1 {
		s.writeError(w, r, errUnauthorizedWebhook)
		return
	}

	var req inboundEmailRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.MessageID == "" {
		s.writeError(w, r, badRequest("message_id is required"))
		return
	}
	alias := inboundAlias(req.To)
	if alias == "" {
		s.writeError(w, r, badRequest("to is required"))
		return
	}
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = time.Now().UTC()
	}

	org, err := s.orgs.GetByInboundAlias(r.Context(), alias)
	if err != nil {
		if errors.Is(err, store.ErrOrganizationNotFound) {
			// Unknown mailboxes are acknowledged so the gateway does not redeliver them.
			zerolog.Ctx(r.Context()).Info().Str("alias", alias).Msg("Dropping email for unknown mailbox")
			w.WriteHeader(http.StatusAccepted)
			return
		}
		s.writeError(w, r, err)
		return
	}

	scope, err := worker.IntakeScope(org.OrgID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	task, err := worker.NewTask(worker.KindEmailIngested, scope, worker.EmailIngested{
		MessageID:   req.MessageID,
		Sender:      req.Sender,
		Subject:     req.Subject,
		ReceivedAt:  req.ReceivedAt,
		Attachments: req.Attachments,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	task.ID = worker.KindEmailIngested + ":" + org.OrgID.String() + ":" + req.MessageID

	if err := s.tasks.Enqueue(r.Context(), task); err != nil {
		s.writeError(w, r, err)
		return
	}

	zerolog.Ctx(r.Context()).Info().
		Str("org_id", org.OrgID.String()).
		Str("message_id", req.MessageID).
		Msg("Queued inbound email")
	w.WriteHeader(http.StatusAccepted)
}

// inboundAlias returns the lowercased local part of a recipient address.
func inboundAlias(to string) string {
	to = strings.TrimSpace(to)
	if i := strings.LastIndexByte(to, '<'); i >= 0 {
		to = strings.TrimSuffix(to[i+1:], ">")
	}
	local, _, _ := strings.Cut(to, "@")
	return strings.ToLower(strings.TrimSpace(local))
}
