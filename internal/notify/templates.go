package notify

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/t77yq/rent-scheduler/internal/model"
)

const dateLayout = "January 2, 2006"

func money(amount float64) string {
	return fmt.Sprintf("%.2f", amount)
}

func wrapHTML(title, body string) string {
	return "<html><body><h2>" + html.EscapeString(title) + "</h2>" + body + "</body></html>"
}

// PaymentReminder is sent ahead of a due date
func PaymentReminder(c *model.Customer, p *model.PaymentRecord, daysUntil int) Email {
	when := "today"
	switch {
	case daysUntil == 1:
		when = "tomorrow"
	case daysUntil > 1:
		when = fmt.Sprintf("in %d days", daysUntil)
	}
	due := p.DueDate.Format(dateLayout)

	subject := fmt.Sprintf("Rent payment due %s", when)
	text := fmt.Sprintf("Hi %s,\n\nThis is a reminder that your rent payment of %s for %s is due %s (%s).\n",
		c.Name, money(p.Amount), p.Period, when, due)
	body := fmt.Sprintf("<p>Hi %s,</p><p>This is a reminder that your rent payment of <strong>%s</strong> for %s is due %s (%s).</p>",
		html.EscapeString(c.Name), money(p.Amount), html.EscapeString(p.Period), when, due)

	return Email{To: c.Email, Subject: subject, Text: text, HTML: wrapHTML(subject, body)}
}

// OverdueNotice is sent after a due date has passed. The tone follows the urgency.
func OverdueNotice(c *model.Customer, p *model.PaymentRecord, daysOverdue int, urgency string) Email {
	var subject, lead string
	switch urgency {
	case "critical":
		subject = "Final notice: rent payment seriously overdue"
		lead = "Your account is seriously past due. Please pay immediately or contact us to avoid further action."
	case "high":
		subject = "Urgent: rent payment overdue"
		lead = "Your rent payment is significantly overdue. Please arrange payment as soon as possible."
	case "medium":
		subject = "Reminder: rent payment overdue"
		lead = "We have not yet received your rent payment. Please pay at your earliest convenience."
	default:
		subject = "Your rent payment is overdue"
		lead = "It looks like your recent rent payment has not come through yet."
	}

	due := p.DueDate.Format(dateLayout)
	text := fmt.Sprintf("Hi %s,\n\n%s\n\nAmount: %s\nDue date: %s\nDays overdue: %d\n",
		c.Name, lead, money(p.Amount), due, daysOverdue)
	body := fmt.Sprintf("<p>Hi %s,</p><p>%s</p><ul><li>Amount: %s</li><li>Due date: %s</li><li>Days overdue: %d</li></ul>",
		html.EscapeString(c.Name), lead, money(p.Amount), due, daysOverdue)

	return Email{To: c.Email, Subject: subject, Text: text, HTML: wrapHTML(subject, body)}
}

// AutoPaySuccess confirms an automatic charge
func AutoPaySuccess(c *model.Customer, p *model.PaymentRecord, transactionID string) Email {
	subject := "Automatic rent payment processed"
	text := fmt.Sprintf("Hi %s,\n\nWe charged %s for your rent (%s).\nTransaction: %s\n",
		c.Name, money(p.Amount), p.Period, transactionID)
	body := fmt.Sprintf("<p>Hi %s,</p><p>We charged <strong>%s</strong> for your rent (%s).</p><p>Transaction: %s</p>",
		html.EscapeString(c.Name), money(p.Amount), html.EscapeString(p.Period), html.EscapeString(transactionID))
	return Email{To: c.Email, Subject: subject, Text: text, HTML: wrapHTML(subject, body)}
}

// AutoPayFailure tells a customer that an automatic charge did not go through
func AutoPayFailure(c *model.Customer, p *model.PaymentRecord, reason string) Email {
	subject := "Automatic rent payment failed"
	text := fmt.Sprintf("Hi %s,\n\nWe could not charge %s for your rent (%s): %s\nThe payment is still open; please pay manually or update your payment method.\n",
		c.Name, money(p.Amount), p.Period, reason)
	body := fmt.Sprintf("<p>Hi %s,</p><p>We could not charge <strong>%s</strong> for your rent (%s): %s</p><p>The payment is still open; please pay manually or update your payment method.</p>",
		html.EscapeString(c.Name), money(p.Amount), html.EscapeString(p.Period), html.EscapeString(reason))
	return Email{To: c.Email, Subject: subject, Text: text, HTML: wrapHTML(subject, body)}
}

// HealthAlert reports a degraded job system to operators
func HealthAlert(to string, status *model.HealthStatus) Email {
	subject := fmt.Sprintf("[%s] Payment job system health", strings.ToUpper(string(status.Status)))

	var text strings.Builder
	fmt.Fprintf(&text, "%s\n\nChecked at: %s\n", status.Message, status.CheckedAt.Format(time.RFC3339))
	fmt.Fprintf(&text, "Success rate: %.1f%%\nRunning: %d\nFailed: %d\n",
		status.Metrics.SuccessRate*100, status.Metrics.RunningJobs, status.Metrics.FailedJobs)
	var items strings.Builder
	for _, issue := range status.Metrics.Issues {
		fmt.Fprintf(&text, "- %s\n", issue)
		items.WriteString("<li>" + html.EscapeString(issue) + "</li>")
	}

	body := fmt.Sprintf("<p>%s</p><p>Success rate: %.1f%%, running: %d, failed: %d</p><ul>%s</ul>",
		html.EscapeString(status.Message), status.Metrics.SuccessRate*100,
		status.Metrics.RunningJobs, status.Metrics.FailedJobs, items.String())

	return Email{To: to, Subject: subject, Text: text.String(), HTML: wrapHTML(subject, body)}
}
