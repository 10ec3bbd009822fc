// Copyright 2025 The Tarxiv Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package listener

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// Gmail polls a Gmail inbox for TNS alert mails over the REST API. The OAuth
// token must be provisioned out of band; the poller only refreshes it.
type Gmail struct {
	opts   GmailOpts
	svc    *gmail.Service
	logger log.Logger
}

// GmailOpts configures the Gmail poller.
type GmailOpts struct {
	// CredentialsFile is the OAuth client secret JSON downloaded from the
	// cloud console.
	CredentialsFile string
	// TokenFile holds the user token minted during provisioning.
	TokenFile string
	// Sender filters the unread search; empty accepts everything.
	Sender string
	// PollInterval is the sleep between unread sweeps.
	PollInterval time.Duration
}

// NewGmail builds the authenticated Gmail service.
func NewGmail(ctx context.Context, opts GmailOpts, logger log.Logger) (*Gmail, error) {
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Minute
	}
	raw, err := os.ReadFile(opts.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	// Modify scope: reading mail and clearing the UNREAD label.
	conf, err := google.ConfigFromJSON(raw, gmail.GmailModifyScope)
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	tok, err := tokenFromFile(opts.TokenFile)
	if err != nil {
		return nil, err
	}
	svc, err := gmail.NewService(ctx, option.WithHTTPClient(conf.Client(ctx, tok)))
	if err != nil {
		return nil, fmt.Errorf("build gmail service: %w", err)
	}
	return &Gmail{opts: opts, svc: svc, logger: logger}, nil
}

func tokenFromFile(path string) (*oauth2.Token, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read token: %w", err)
	}
	tok := &oauth2.Token{}
	if err := json.Unmarshal(raw, tok); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	return tok, nil
}

// Run polls until the context is cancelled.
func (g *Gmail) Run(ctx context.Context, handle MailHandler) error {
	ticker := time.NewTicker(g.opts.PollInterval)
	defer ticker.Stop()
	for {
		if err := g.sweep(ctx, handle); err != nil {
			_ = level.Warn(g.logger).Log("status", "mailbox_sweep_failed", "error_message", err.Error())
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}

func (g *Gmail) sweep(ctx context.Context, handle MailHandler) error {
	query := "is:unread in:inbox"
	if g.opts.Sender != "" {
		query += " from:" + g.opts.Sender
	}
	list, err := g.svc.Users.Messages.List("me").Q(query).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("list unread: %w", err)
	}
	for _, ref := range list.Messages {
		if ctx.Err() != nil {
			return nil
		}
		if err := g.processOne(ctx, ref.Id, handle); err != nil {
			_ = level.Warn(g.logger).Log("status", "mail_skipped", "message_id", ref.Id, "error_message", err.Error())
		}
	}
	return nil
}

func (g *Gmail) processOne(ctx context.Context, id string, handle MailHandler) error {
	msg, err := g.svc.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("get message: %w", err)
	}
	body := messageBody(msg.Payload)
	names := ExtractNames(body)
	if len(names) == 0 {
		return g.markRead(ctx, id)
	}
	mailAlertsParsed.Add(float64(len(names)))
	_ = level.Info(g.logger).Log("status", "received_alerts", "message_id", id, "count", len(names))

	if err := handle(ctx, names); err != nil {
		// Leave unread; the next sweep retries the mail.
		return fmt.Errorf("handle alerts: %w", err)
	}
	return g.markRead(ctx, id)
}

// messageBody concatenates every decodable text part of a message. Alert
// mails are multipart with the links in the text/html part.
func messageBody(part *gmail.MessagePart) string {
	if part == nil {
		return ""
	}
	var body string
	if part.Body != nil && part.Body.Data != "" {
		// The API emits base64url, padded or not depending on the part.
		raw, err := base64.URLEncoding.DecodeString(part.Body.Data)
		if err != nil {
			raw, err = base64.RawURLEncoding.DecodeString(part.Body.Data)
		}
		if err == nil {
			body += string(raw)
		}
	}
	for _, p := range part.Parts {
		body += messageBody(p)
	}
	return body
}

func (g *Gmail) markRead(ctx context.Context, id string) error {
	req := &gmail.ModifyMessageRequest{RemoveLabelIds: []string{"UNREAD"}}
	if _, err := g.svc.Users.Messages.Modify("me", id, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}
