package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"

	"github.com/osteele/liquid"
	"github.com/rs/zerolog/log"

	"github.com/unclebandit/mailtrack-backend/internal/model"
)

// TemplateRenderer personalizes campaign content with liquid.
type TemplateRenderer struct {
	engine *liquid.Engine
}

func NewTemplateRenderer() *TemplateRenderer {
	return &TemplateRenderer{engine: liquid.NewEngine()}
}

func (t *TemplateRenderer) Render(source string, vars map[string]string) (string, error) {
	bindings := liquid.Bindings{}
	for k, v := range vars {
		bindings[k] = v
	}
	out, err := t.engine.ParseAndRenderString(source, bindings)
	if err != nil {
		return "", err
	}
	return out, nil
}

// Personalize fills {{field}} placeholders for one recipient. Content that
// is not valid liquid falls back to plain placeholder replacement.
func (t *TemplateRenderer) Personalize(source string, vars map[string]string) string {
	out, err := t.Render(source, vars)
	if err != nil {
		log.Debug().Err(err).Msg("liquid render failed, using plain substitution")
		return RenderTemplate(source, vars)
	}
	return out
}

// RenderTemplate replaces {{key}} and {{ key }} with data[key].
func RenderTemplate(template string, data map[string]string) string {
	result := template
	for k, v := range data {
		result = strings.ReplaceAll(result, "{{"+k+"}}", v)
		result = strings.ReplaceAll(result, "{{ "+k+" }}", v)
	}
	return result
}

// RecipientVars are the placeholders available to campaign content.
func RecipientVars(r model.Recipient) map[string]string {
	vars := map[string]string{
		"email":      r.Email,
		"first_name": r.FirstName,
		"last_name":  r.LastName,
		"name":       r.Name(),
		"contact_id": r.ContactID,
	}
	vars["firstName"] = vars["first_name"]
	vars["lastName"] = vars["last_name"]
	vars["contactId"] = vars["contact_id"]
	return vars
}

// EscapeVars returns a copy of vars safe to place in HTML.
func EscapeVars(vars map[string]string) map[string]string {
	out := make(map[string]string, len(vars))
	for k, v := range vars {
		out[k] = html.EscapeString(v)
	}
	return out
}

var (
	bodyCloseRe = regexp.MustCompile(`(?i)</body\s*>`)
	hrefRe      = regexp.MustCompile(`(?i)href\s*=\s*"(https?://[^"]+)"`)
)

// OpenPixelURL is the tracking pixel address of an intent.
func OpenPixelURL(baseURL, intentID string) string {
	return fmt.Sprintf("%s/t/open/%s.gif", strings.TrimRight(baseURL, "/"), intentID)
}

// LinkSigner signs click tracking links so the redirect endpoint only sends
// readers to links that were in a message.
type LinkSigner struct {
	key []byte
}

func NewLinkSigner(secret string) *LinkSigner {
	return &LinkSigner{key: []byte(secret)}
}

func (s *LinkSigner) Sign(intentID, target string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(intentID))
	mac.Write([]byte{0})
	mac.Write([]byte(target))
	return hex.EncodeToString(mac.Sum(nil)[:16])
}

func (s *LinkSigner) Verify(intentID, target, sig string) bool {
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(s.Sign(intentID, target))
	return hmac.Equal(got, want)
}

// ClickURL wraps target in the signed click tracking redirect of an intent.
func (s *LinkSigner) ClickURL(baseURL, intentID, target string) string {
	return fmt.Sprintf("%s/t/click/%s?url=%s&sig=%s",
		strings.TrimRight(baseURL, "/"), intentID, url.QueryEscape(target), s.Sign(intentID, target))
}

// AddTracking routes absolute links through the click endpoint and appends
// the open pixel before </body>, or at the end when there is none.
func (s *LinkSigner) AddTracking(content, baseURL, intentID string) string {
	content = hrefRe.ReplaceAllStringFunc(content, func(m string) string {
		target := hrefRe.FindStringSubmatch(m)[1]
		return fmt.Sprintf(`href="%s"`, html.EscapeString(s.ClickURL(baseURL, intentID, html.UnescapeString(target))))
	})

	pixel := fmt.Sprintf(`<img src="%s" width="1" height="1" alt="" style="display:none" />`, OpenPixelURL(baseURL, intentID))
	locs := bodyCloseRe.FindAllStringIndex(content, -1)
	if len(locs) == 0 {
		return content + pixel
	}
	at := locs[len(locs)-1][0]
	return content[:at] + pixel + content[at:]
}

const reminderTemplate = `<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; color: #222;">
  <p>Hi {{ name }},</p>
  <p>This is a reminder for <strong>{{ title }}</strong> on {{ starts_at }}.</p>
  {% if location != "" %}<p>Location: {{ location }}</p>{% endif %}
  <p>
    <a href="{{ confirm_url }}" style="padding: 8px 16px; background: #2e7d32; color: #fff; text-decoration: none;">Confirm</a>
    <a href="{{ decline_url }}" style="padding: 8px 16px; background: #c62828; color: #fff; text-decoration: none;">Decline</a>
  </p>
</body>
</html>`

const defaultReminderSubject = "Reminder: {{ title }}"

// ReminderVars are the placeholders of the reminder template.
func ReminderVars(r model.Reminder) map[string]string {
	name := r.Name
	if name == "" {
		name = "there"
	}
	vars := map[string]string{
		"name":           name,
		"email":          r.Email,
		"title":          r.Title,
		"starts_at":      r.StartsAt.UTC().Format("Monday, January 2, 2006 at 3:04 PM MST"),
		"location":       r.Location,
		"confirm_url":    r.ConfirmURL,
		"decline_url":    r.DeclineURL,
		"appointment_id": r.AppointmentID,
	}
	return vars
}

// RenderReminder returns the subject and body of one reminder.
func (t *TemplateRenderer) RenderReminder(subject string, r model.Reminder) (string, string, error) {
	vars := ReminderVars(r)
	if subject == "" {
		subject = defaultReminderSubject
	}
	renderedSubject, err := t.Render(subject, vars)
	if err != nil {
		return "", "", fmt.Errorf("render reminder subject: %w", err)
	}
	body, err := t.Render(reminderTemplate, EscapeVars(vars))
	if err != nil {
		return "", "", fmt.Errorf("render reminder body: %w", err)
	}
	return renderedSubject, body, nil
}
