// Package notification renders billing reminders and hands them to the
// email provider.
package notification

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"time"

	"github.com/smallbiznis/billforge/internal/config"
	invoicedomain "github.com/smallbiznis/billforge/internal/invoice/domain"
	"github.com/smallbiznis/billforge/internal/invoice/format"
	"github.com/smallbiznis/billforge/internal/observability/logger"
	"github.com/smallbiznis/billforge/internal/providers/email"
	subscriptiondomain "github.com/smallbiznis/billforge/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

// Directory resolves who receives billing mail for an organization.
type Directory interface {
	Recipients(ctx context.Context, orgID string) ([]string, error)
}

// StaticDirectory sends every organization's mail to a fixed address list.
type StaticDirectory struct {
	To []string
}

func (d StaticDirectory) Recipients(context.Context, string) ([]string, error) {
	return d.To, nil
}

type Params struct {
	fx.In

	Log       *zap.Logger
	Provider  email.Provider
	Directory Directory
}

type Notifier struct {
	log       *zap.Logger
	provider  email.Provider
	directory Directory
}

func NewNotifier(p Params) *Notifier {
	return &Notifier{
		log:       p.Log.Named("notification"),
		provider:  p.Provider,
		directory: p.Directory,
	}
}

func NewStaticDirectory(cfg config.Config) Directory {
	return StaticDirectory{To: cfg.SMTP.NotifyTo}
}

// OverdueInvoice reminds the organization that an invoice is past due.
// It reports false when nobody could be addressed.
func (n *Notifier) OverdueInvoice(ctx context.Context, inv invoicedomain.Invoice) (bool, error) {
	due := inv.CreatedAt
	if inv.DueAt != nil {
		due = *inv.DueAt
	}
	data := struct {
		InvoiceID string
		Period    string
		DueDate   string
		Amount    string
		Status    string
	}{
		InvoiceID: inv.ID.String(),
		Period:    format.Period(inv.PeriodStart, inv.PeriodEnd),
		DueDate:   due.UTC().Format(time.DateOnly),
		Amount:    format.Money(inv.Total, inv.Currency),
		Status:    string(inv.Status),
	}
	subject := fmt.Sprintf("Invoice overdue: %s due %s", data.Amount, data.DueDate)
	return n.send(ctx, inv.OrgID, subject, "overdue_invoice.html", data)
}

// TrialEnded tells the organization its trial is over and what happened to
// the subscription.
func (n *Notifier) TrialEnded(ctx context.Context, sub subscriptiondomain.Subscription) (bool, error) {
	end := sub.UpdatedAt
	if sub.TrialEnd != nil {
		end = *sub.TrialEnd
	}
	data := struct {
		PlanID   string
		TrialEnd string
		PastDue  bool
	}{
		PlanID:   sub.PlanID,
		TrialEnd: end.UTC().Format(time.DateOnly),
		PastDue:  sub.Status == subscriptiondomain.StatusPastDue,
	}
	return n.send(ctx, sub.OrgID, "Your trial has ended", "trial_ended.html", data)
}

func (n *Notifier) send(ctx context.Context, orgID, subject, name string, data any) (bool, error) {
	log := logger.WithOrg(logger.WithContext(ctx, n.log), orgID)

	to, err := n.directory.Recipients(ctx, orgID)
	if err != nil {
		return false, err
	}
	if len(to) == 0 {
		log.Warn("no recipients for billing notification", zap.String("template", name))
		return false, nil
	}

	var body bytes.Buffer
	if err := templates.ExecuteTemplate(&body, name, data); err != nil {
		return false, fmt.Errorf("render %s: %w", name, err)
	}
	if err := n.provider.Send(ctx, email.Message{To: to, Subject: subject, HTMLBody: body.String()}); err != nil {
		return false, err
	}
	log.Info("billing notification sent", zap.String("template", name), zap.Int("recipients", len(to)))
	return true, nil
}
