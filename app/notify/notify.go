// Package notify delivers registration notices to webhook destinations
package notify

import (
	"bytes"
	"context"
	"strings"
	"text/template"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/notify"
	"github.com/pkg/errors"
)

const defaultTemplate = `New user "{{.Username}}" registered on {{.Host}} at {{.TS.Format "2006-01-02T15:04:05Z07:00"}}`

// Params for NewService
type Params struct {
	Destinations []string      // webhook urls, http:// or https://
	Headers      []string      // extra webhook headers, "header:value"
	Timeout      time.Duration // per-send timeout
	Host         string        // host name mentioned in messages
	Template     string        // message template, default used if empty
}

// Service sends notifications to all configured destinations
type Service struct {
	notifiers    []notify.Notifier
	destinations []string
	timeout      time.Duration
	host         string
	tmpl         *template.Template
}

// NewService makes notification service. Returns nil if no destinations set.
func NewService(p Params) (*Service, error) {
	if len(p.Destinations) == 0 {
		return nil, nil
	}
	for _, d := range p.Destinations {
		if !strings.HasPrefix(d, "http://") && !strings.HasPrefix(d, "https://") {
			return nil, errors.Errorf("unsupported destination %q, only webhooks allowed", d)
		}
	}

	src := p.Template
	if src == "" {
		src = defaultTemplate
	}
	tmpl, err := template.New("registration").Parse(src)
	if err != nil {
		return nil, errors.Wrap(err, "can't parse message template")
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Service{
		notifiers:    []notify.Notifier{notify.NewWebhook(notify.WebhookParams{Timeout: timeout, Headers: p.Headers})},
		destinations: p.Destinations,
		timeout:      timeout,
		host:         p.Host,
		tmpl:         tmpl,
	}, nil
}

// NotifyRegistration sends notice about newly registered user
func (s *Service) NotifyRegistration(ctx context.Context, username string) error {
	text, err := s.MakeRegistrationText(username)
	if err != nil {
		return err
	}
	return s.Send(ctx, text)
}

// MakeRegistrationText renders message about new user
func (s *Service) MakeRegistrationText(username string) (string, error) {
	data := struct {
		Username string
		Host     string
		TS       time.Time
	}{
		Username: username,
		Host:     s.host,
		TS:       time.Now(),
	}

	buf := bytes.Buffer{}
	if err := s.tmpl.Execute(&buf, data); err != nil {
		return "", errors.Wrap(err, "can't execute message template")
	}
	return buf.String(), nil
}

// Send delivers text to every destination. All destinations are tried, the first error is returned.
func (s *Service) Send(ctx context.Context, text string) error {
	var firstErr error
	for _, dest := range s.destinations {
		sendCtx, cancel := context.WithTimeout(ctx, s.timeout)
		err := notify.Send(sendCtx, s.notifiers, dest, text)
		cancel()
		if err != nil {
			log.Printf("[WARN] failed to send notification to %s: %v", dest, err)
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "failed to send to %s", dest)
			}
			continue
		}
		log.Printf("[DEBUG] notification sent to %s", dest)
	}
	return firstErr
}
