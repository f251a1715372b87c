package mailer

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/PortNumber53/subscription-sync/internal/models"
)

const confirmationTag = "subscription-confirmation"

var confirmationTmpl = template.Must(template.New("confirmation").Parse(`<!DOCTYPE html>
<html>
<body>
<p>Hi {{.Name}},</p>
<p>Your subscription is confirmed.</p>
<table>
<tr><td>Plan</td><td>{{.Plan}}</td></tr>
<tr><td>Price</td><td>{{.Price}} per {{.Interval}}</td></tr>
{{- if .TrialEnd}}
<tr><td>Trial ends</td><td>{{.TrialEnd}}</td></tr>
{{- end}}
<tr><td>Current period ends</td><td>{{.PeriodEnd}}</td></tr>
</table>
{{- if .TrialEnd}}
<p>When the trial ends your plan moves to the regular weekly price.</p>
{{- end}}
</body>
</html>
`))

type confirmationData struct {
	Name      string
	Plan      string
	Price     string
	Interval  string
	TrialEnd  string
	PeriodEnd string
}

// SubscriptionConfirmation builds the welcome email for a new subscription.
func SubscriptionConfirmation(user *models.User, sub *models.Subscription) (Message, error) {
	data := confirmationData{
		Name:      lo.CoalesceOrEmpty(strings.TrimSpace(lo.FromPtr(user.Name)), user.Email),
		Plan:      planLabel(sub.SubscriptionType),
		Price:     FormatAmount(sub.Amount, sub.Currency),
		Interval:  lo.CoalesceOrEmpty(sub.Interval, "week"),
		PeriodEnd: sub.CurrentPeriodEnd.UTC().Format(time.DateOnly),
	}
	if sub.TrialEnd != nil {
		data.TrialEnd = sub.TrialEnd.UTC().Format(time.DateOnly)
	}

	var buf bytes.Buffer
	if err := confirmationTmpl.Execute(&buf, data); err != nil {
		return Message{}, fmt.Errorf("render confirmation: %w", err)
	}

	return Message{
		To:       user.Email,
		Subject:  "Your subscription is active",
		Tag:      confirmationTag,
		HTMLBody: buf.String(),
		TextBody: fmt.Sprintf("Your %s subscription is active: %s per %s.", data.Plan, data.Price, data.Interval),
	}, nil
}

func planLabel(t models.PlanType) string {
	if t == models.PlanRecurring {
		return "Weekly"
	}
	return "Introductory"
}

// FormatAmount renders minor units as a price, e.g. 199 usd -> $1.99.
func FormatAmount(minor int64, currency string) string {
	sign := ""
	if minor < 0 {
		sign, minor = "-", -minor
	}
	major := fmt.Sprintf("%d.%02d", minor/100, minor%100)
	switch strings.ToLower(currency) {
	case "usd", "":
		return sign + "$" + major
	case "eur":
		return sign + "€" + major
	default:
		return sign + major + " " + strings.ToUpper(currency)
	}
}
