package notifications

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/mrz1836/postmark"

	"github.com/angelmondragon/postcraft-billing/pkg/config"
	pkgerrors "github.com/angelmondragon/postcraft-billing/pkg/errors"
)

const (
	tagReceipt      = "payment-receipt"
	tagCancellation = "subscription-cancelled"
	tagUpgrade      = "plan-upgraded"
	tagDowngrade    = "plan-downgraded"
	tagOpsAlert     = "ops-alert"
)

var emailTemplates = template.Must(template.New("emails").Funcs(template.FuncMap{
	"date": func(t *time.Time) string {
		if t == nil {
			return ""
		}
		return t.Format("January 2, 2006")
	},
}).Parse(`
{{define "receipt"}}<p>Hi {{.Name}},</p>
<p>Thanks for your payment of {{.Amount}} {{.Currency}} for the {{.PlanName}} plan.</p>
{{if .InvoiceID}}<p>Invoice reference: {{.InvoiceID}}</p>{{end}}{{end}}

{{define "cancellation"}}<p>Hi {{.Name}},</p>
<p>Your {{.PlanName}} subscription has been cancelled.{{if .EffectiveDate}} You keep access until {{date .EffectiveDate}}.{{end}}</p>
<p>Your account stays available on the free plan.</p>{{end}}

{{define "upgrade"}}<p>Hi {{.Name}},</p>
<p>You are now on the {{.NewPlanName}} plan (previously {{.OldPlanName}}).</p>
{{if .Amount}}<p>Amount charged today: {{.Amount}} {{.Currency}}{{if .Credit}}, after a credit of {{.Credit}} {{.Currency}} for unused time{{end}}.</p>{{end}}{{end}}

{{define "downgrade"}}<p>Hi {{.Name}},</p>
<p>Your plan will change from {{.OldPlanName}} to {{.NewPlanName}}{{if .EffectiveDate}} on {{date .EffectiveDate}}{{else}} at the end of the current billing period{{end}}.</p>{{end}}

{{define "ops"}}<p>Billing webhook failure</p>
<p>Event type: {{.EventType}}</p>
<p>Error code: {{.Code}}</p>
<p>{{.Message}}</p>{{end}}
`))

// postmarkSender is the slice of the Postmark client the notifier uses.
type postmarkSender interface {
	SendEmail(ctx context.Context, email postmark.Email) (postmark.EmailResponse, error)
}

// PostmarkNotifier sends billing email through Postmark.
type PostmarkNotifier struct {
	client  postmarkSender
	from    string
	replyTo string
	opsTo   string
}

// NewPostmarkNotifier validates cfg and builds a Postmark-backed notifier.
func NewPostmarkNotifier(cfg config.PostmarkConfig) (*PostmarkNotifier, error) {
	if !cfg.Enabled() {
		return nil, pkgerrors.New(pkgerrors.CodeConfig, "postmark server and account tokens are required")
	}
	if strings.TrimSpace(cfg.FromEmail) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeConfig, "postmark from email is required")
	}
	return newPostmarkNotifier(postmark.NewClient(cfg.ServerToken, cfg.AccountToken), cfg), nil
}

func newPostmarkNotifier(client postmarkSender, cfg config.PostmarkConfig) *PostmarkNotifier {
	return &PostmarkNotifier{
		client:  client,
		from:    cfg.FromEmail,
		replyTo: cfg.SupportEmail,
		opsTo:   cfg.OpsEmail,
	}
}

func (n *PostmarkNotifier) SendPaymentReceipt(ctx context.Context, to Recipient, receipt Receipt) error {
	data := map[string]any{
		"Name":      displayName(to),
		"PlanName":  receipt.PlanName,
		"Amount":    receipt.Amount.StringFixed(2),
		"Currency":  strings.ToUpper(receipt.Currency),
		"InvoiceID": receipt.InvoiceID,
	}
	return n.send(ctx, to.Email, "Your PostCraft payment receipt", tagReceipt, "receipt", data)
}

func (n *PostmarkNotifier) SendSubscriptionCancelled(ctx context.Context, to Recipient, c Cancellation) error {
	data := map[string]any{
		"Name":          displayName(to),
		"PlanName":      c.PlanName,
		"EffectiveDate": c.EffectiveDate,
	}
	return n.send(ctx, to.Email, "Your PostCraft subscription was cancelled", tagCancellation, "cancellation", data)
}

func (n *PostmarkNotifier) SendPlanUpgraded(ctx context.Context, to Recipient, change PlanChange) error {
	subject := fmt.Sprintf("Welcome to PostCraft %s", change.NewPlanName)
	return n.send(ctx, to.Email, subject, tagUpgrade, "upgrade", planChangeData(to, change))
}

func (n *PostmarkNotifier) SendPlanDowngraded(ctx context.Context, to Recipient, change PlanChange) error {
	subject := fmt.Sprintf("Your PostCraft plan is changing to %s", change.NewPlanName)
	return n.send(ctx, to.Email, subject, tagDowngrade, "downgrade", planChangeData(to, change))
}

func (n *PostmarkNotifier) SendOpsAlert(ctx context.Context, alert OpsAlert) error {
	if strings.TrimSpace(n.opsTo) == "" {
		return nil
	}
	subject := fmt.Sprintf("[billing] %s failed with %s", alert.EventType, alert.Code)
	return n.send(ctx, n.opsTo, subject, tagOpsAlert, "ops", alert)
}

func (n *PostmarkNotifier) send(ctx context.Context, to, subject, tag, tmpl string, data any) error {
	if strings.TrimSpace(to) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "recipient email is required")
	}
	var body bytes.Buffer
	if err := emailTemplates.ExecuteTemplate(&body, tmpl, data); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "render "+tmpl+" email")
	}

	resp, err := n.client.SendEmail(ctx, postmark.Email{
		From:       n.from,
		ReplyTo:    n.replyTo,
		To:         to,
		Subject:    subject,
		Tag:        tag,
		HTMLBody:   body.String(),
		TrackOpens: true,
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeNotificationSend, err, "postmark send")
	}
	if resp.ErrorCode > 0 {
		return pkgerrors.New(pkgerrors.CodeNotificationSend, fmt.Sprintf("postmark error %d: %s", resp.ErrorCode, resp.Message))
	}
	return nil
}

func planChangeData(to Recipient, change PlanChange) map[string]any {
	data := map[string]any{
		"Name":          displayName(to),
		"OldPlanName":   change.OldPlanName,
		"NewPlanName":   change.NewPlanName,
		"Currency":      strings.ToUpper(change.Currency),
		"EffectiveDate": change.EffectiveDate,
	}
	if change.Amount != nil {
		data["Amount"] = change.Amount.StringFixed(2)
	}
	if change.Credit != nil && change.Credit.IsPositive() {
		data["Credit"] = change.Credit.StringFixed(2)
	}
	return data
}

func displayName(to Recipient) string {
	if name := strings.TrimSpace(to.Name); name != "" {
		return name
	}
	return "there"
}
