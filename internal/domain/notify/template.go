package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"time"
)

const emailTemplate = `<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; color: #222;">
  <p>Dear {{.PatientName}},</p>
{{- if .Cancelled}}
  <p>Your appointment at {{.Clinic}} has been <strong>cancelled</strong>.</p>
{{- else}}
  <p>This is a reminder of your upcoming appointment at {{.Clinic}}.</p>
{{- end}}
  <table style="border-collapse: collapse;">
    <tr><td style="padding: 4px 12px 4px 0;"><strong>Date</strong></td><td>{{.Date}}</td></tr>
    <tr><td style="padding: 4px 12px 4px 0;"><strong>Time</strong></td><td>{{.Time}}</td></tr>
{{- if .Description}}
    <tr><td style="padding: 4px 12px 4px 0;"><strong>Details</strong></td><td>{{.Description}}</td></tr>
{{- end}}
  </table>
{{- if .Cancelled}}
  <p>Please contact us if you would like to book a new appointment.</p>
{{- else}}
  <p>If you cannot make it, please let us know as soon as possible.</p>
{{- end}}
  <p>Kind regards,<br>{{.Clinic}}</p>
</body>
</html>
`

var emailTmpl = template.Must(template.New("appointment-email").Parse(emailTemplate))

type emailData struct {
	PatientName string
	Clinic      string
	Date        string
	Time        string
	Description string
	Cancelled   bool
}

// Renderer produces the subject and HTML body of a task's email.
type Renderer struct {
	clinic string
}

func NewRenderer(clinic string) *Renderer {
	if clinic == "" {
		clinic = "the clinic"
	}
	return &Renderer{clinic: clinic}
}

// Render formats the appointment date long-form ("Monday, March 10, 2025")
// and the time on a 12-hour clock. date and at must already be parsed.
func (r *Renderer) Render(kind Kind, task Task, date, at time.Time) (subject, html string, err error) {
	data := emailData{
		PatientName: task.PatientName,
		Clinic:      r.clinic,
		Date:        date.Format("Monday, January 2, 2006"),
		Time:        at.Format("3:04 PM"),
		Description: task.Description,
		Cancelled:   kind == KindCancellation,
	}
	if data.PatientName == "" {
		data.PatientName = "patient"
	}

	var buf bytes.Buffer
	if err := emailTmpl.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("render %s email: %w", kind, err)
	}

	switch kind {
	case KindCancellation:
		subject = fmt.Sprintf("Appointment cancelled: %s", data.Date)
	default:
		subject = fmt.Sprintf("Appointment reminder: %s at %s", data.Date, data.Time)
	}
	return subject, buf.String(), nil
}
