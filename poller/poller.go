// Package poller emails caregivers about new alert events of their devices.
package poller

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"pillbox/dbtypes"
	"pillbox/docstore"

	"github.com/golang/glog"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// AlertTypePrefix selects the event log entries that are emailed.
const AlertTypePrefix = "ALERT"

// Mailer sends email.  *sendgrid.Client satisfies it.
type Mailer interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// DeviceAlert is the content of one alert email.
type DeviceAlert struct {
	DeviceID   string
	DeviceName string
	Events     []dbtypes.EventLog
	PanelLink  string
}

// Poller runs an infinite loop, checking every device for alert events newer
// than the last one its caregiver was told about.
type Poller struct {
	store         docstore.Store
	mailer        Mailer
	recheckPeriod time.Duration
	fromAddress   string
	baseURL       string
}

func New(store docstore.Store, mailer Mailer, recheckPeriod time.Duration, fromAddress, baseURL string) *Poller {
	return &Poller{
		store:         store,
		mailer:        mailer,
		recheckPeriod: recheckPeriod,
		fromAddress:   fromAddress,
		baseURL:       strings.TrimSuffix(baseURL, "/"),
	}
}

func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.recheckPeriod)
	defer ticker.Stop()

	// Poll once right away; the ticker doesn't fire until the tick period has
	// elapsed.
	if err := p.PollDevices(ctx); err != nil {
		glog.Errorf("Error during poller pass: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if err := p.PollDevices(ctx); err != nil {
			glog.Errorf("Error during poller pass: %v", err)
		}
	}
}

// PollDevices runs one pass over every device.  A failure on one device is
// logged and does not stop the pass.
func (p *Poller) PollDevices(ctx context.Context) error {
	glog.Infof("Starting poller pass")
	defer glog.Infof("Finished poller pass")

	var devs []*dbtypes.Device
	err := docstore.GetAll(p.store.Query(ctx, dbtypes.DevicesCollection, docstore.Query{}), func(doc docstore.Document) error {
		dev := &dbtypes.Device{}
		if err := doc.DataTo(dev); err != nil {
			return fmt.Errorf("while unmarshaling device %s: %w", doc.ID(), err)
		}
		dev.ID = doc.ID()
		devs = append(devs, dev)
		return nil
	})
	if err != nil {
		return fmt.Errorf("while listing devices: %w", err)
	}

	failed := 0
	for _, dev := range devs {
		if err := p.processDevice(ctx, dev); err != nil {
			glog.Errorf("While polling alerts of device %s: %v", dev.ID, err)
			failed++
		}
	}
	if failed != 0 {
		return fmt.Errorf("%d of %d devices failed", failed, len(devs))
	}
	return nil
}

func (p *Poller) processDevice(ctx context.Context, dev *dbtypes.Device) error {
	cursor := dbtypes.AlertCursor{}
	doc, err := p.store.Get(ctx, dbtypes.AlertsCollection, dev.ID)
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		// Never polled before; every existing entry is new.
	case err != nil:
		return fmt.Errorf("while reading alert cursor: %w", err)
	default:
		if err := doc.DataTo(&cursor); err != nil {
			return fmt.Errorf("while unmarshaling alert cursor: %w", err)
		}
	}

	q := docstore.Query{OrderBy: "timestamp"}
	seen := map[string]bool{}
	if !cursor.LastNotifiedAt.IsZero() {
		q = q.Where("timestamp", ">=", cursor.LastNotifiedAt)
		for _, id := range cursor.NotifiedIDs {
			seen[id] = true
		}
	}

	next := dbtypes.AlertCursor{}
	fresh := 0
	alert := &DeviceAlert{
		DeviceID:   dev.ID,
		DeviceName: dev.Name,
		PanelLink:  p.baseURL + "/panel",
	}
	err = docstore.GetAll(p.store.Query(ctx, dbtypes.EventLogsCollection(dev.ID), q), func(doc docstore.Document) error {
		entry := dbtypes.EventLog{}
		if err := doc.DataTo(&entry); err != nil {
			return fmt.Errorf("while unmarshaling log %s: %w", doc.ID(), err)
		}
		if entry.Timestamp.Equal(cursor.LastNotifiedAt) && seen[doc.ID()] {
			return nil
		}
		fresh++

		switch {
		case entry.Timestamp.After(next.LastNotifiedAt):
			next = dbtypes.AlertCursor{LastNotifiedAt: entry.Timestamp, NotifiedIDs: []string{doc.ID()}}
		case entry.Timestamp.Equal(next.LastNotifiedAt):
			next.NotifiedIDs = append(next.NotifiedIDs, doc.ID())
		}
		if strings.HasPrefix(entry.Type, AlertTypePrefix) {
			alert.Events = append(alert.Events, entry)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("while reading event log: %w", err)
	}

	if fresh == 0 {
		return nil
	}
	if next.LastNotifiedAt.Equal(cursor.LastNotifiedAt) {
		next.NotifiedIDs = append(next.NotifiedIDs, cursor.NotifiedIDs...)
	}

	if len(alert.Events) != 0 {
		glog.Infof("Sending %d alerts for device %s", len(alert.Events), dev.ID)
		if err := p.sendAlert(ctx, dev, alert); err != nil {
			return fmt.Errorf("while sending alert: %w", err)
		}
	}

	if err := p.store.Set(ctx, dbtypes.AlertsCollection, dev.ID, &next); err != nil {
		return fmt.Errorf("while advancing alert cursor: %w", err)
	}
	return nil
}

func (p *Poller) sendAlert(ctx context.Context, dev *dbtypes.Device, alert *DeviceAlert) error {
	doc, err := p.store.Get(ctx, dbtypes.UsersCollection, dev.CaregiverUID)
	if err != nil {
		return fmt.Errorf("while retrieving caregiver %s: %w", dev.CaregiverUID, err)
	}

	user := &dbtypes.User{}
	if err := doc.DataTo(user); err != nil {
		return fmt.Errorf("while unmarshaling caregiver %s: %w", dev.CaregiverUID, err)
	}

	if user.Email == "" {
		glog.Warningf("Caregiver %s of device %s has no email; dropping %d alerts", dev.CaregiverUID, dev.ID, len(alert.Events))
		return nil
	}

	return p.sendEmailAlert(ctx, user, alert)
}

const emailPlain = `
{{- if .Events -}}
Su pastillero {{with .DeviceName}}"{{.}}" {{end}}({{.DeviceID}}) registró las siguientes alertas:
{{range .Events -}}
* {{.Timestamp.Format "2006-01-02 15:04"}} {{.Type}}: {{.Description}}
{{end}}
Ver el panel de control: {{.PanelLink}}
{{end}}
`

var emailPlainTemplate = template.Must(template.New("email").Parse(emailPlain))

func (p *Poller) sendEmailAlert(ctx context.Context, user *dbtypes.User, alert *DeviceAlert) error {
	message := mail.NewV3Mail()
	message.From = mail.NewEmail("Pillbox", p.fromAddress)
	message.Subject = "Alerta de pastillero: " + alert.DeviceID

	personalization := mail.NewPersonalization()
	personalization.To = append(personalization.To, mail.NewEmail(user.FullName, user.Email))
	message.Personalizations = append(message.Personalizations, personalization)

	textContent := &bytes.Buffer{}
	if err := emailPlainTemplate.Execute(textContent, alert); err != nil {
		return fmt.Errorf("while templating plain-text email content: %w", err)
	}

	message.Content = append(message.Content, mail.NewContent("text/plain", textContent.String()))

	resp, err := p.mailer.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("while sending mail through SendGrid: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2XX response while sending mail through Sendgrid: %d %s", resp.StatusCode, resp.Body)
	}

	return nil
}
