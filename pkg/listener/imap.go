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
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// MailHandler receives the object names parsed from one alert mail. A nil
// return acknowledges the mail; an error leaves it unread for the next poll.
type MailHandler func(ctx context.Context, names []string) error

// IMAP polls a mailbox for TNS alert mails, parses object names out of them
// and hands the names to a handler. Mails are fetched with BODY.PEEK and
// only flagged \Seen once the handler accepted them.
type IMAP struct {
	opts   IMAPOpts
	logger log.Logger

	conn *client.Client
}

// IMAPOpts configures the mailbox poller.
type IMAPOpts struct {
	// Addr is host:port of the IMAPS endpoint.
	Addr     string
	Username string
	Password string
	// Folder defaults to INBOX.
	Folder string
	// Sender filters mails; only mails whose From address contains it are
	// parsed. Empty accepts everything.
	Sender string
	// PollInterval is the sleep between UNSEEN sweeps.
	PollInterval time.Duration
}

// NewIMAP connects and authenticates against the mailbox.
func NewIMAP(opts IMAPOpts, logger log.Logger) (*IMAP, error) {
	if opts.Folder == "" {
		opts.Folder = "INBOX"
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Minute
	}
	m := &IMAP{opts: opts, logger: logger}
	if err := m.connect(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *IMAP) connect() error {
	conn, err := client.DialTLS(m.opts.Addr, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", m.opts.Addr, err)
	}
	if err := conn.Login(m.opts.Username, m.opts.Password); err != nil {
		_ = conn.Logout()
		return fmt.Errorf("login %s: %w", m.opts.Username, err)
	}
	if _, err := conn.Select(m.opts.Folder, false); err != nil {
		_ = conn.Logout()
		return fmt.Errorf("select %s: %w", m.opts.Folder, err)
	}
	m.conn = conn
	return nil
}

// Run polls until the context is cancelled. Connection failures trigger a
// reconnect on the next sweep rather than a crash.
func (m *IMAP) Run(ctx context.Context, handle MailHandler) error {
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()
	defer func() {
		if m.conn != nil {
			_ = m.conn.Logout()
		}
	}()

	for {
		if err := m.sweep(ctx, handle); err != nil {
			_ = level.Warn(m.logger).Log("status", "mailbox_sweep_failed", "error_message", err.Error())
			if m.conn != nil {
				_ = m.conn.Logout()
				m.conn = nil
			}
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}

// sweep processes every unseen mail once.
func (m *IMAP) sweep(ctx context.Context, handle MailHandler) error {
	if m.conn == nil {
		if err := m.connect(); err != nil {
			return err
		}
	}
	if _, err := m.conn.Select(m.opts.Folder, false); err != nil {
		return fmt.Errorf("select %s: %w", m.opts.Folder, err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	uids, err := m.conn.UidSearch(criteria)
	if err != nil {
		return fmt.Errorf("search unseen: %w", err)
	}
	for _, uid := range uids {
		if ctx.Err() != nil {
			return nil
		}
		if err := m.processOne(ctx, uid, handle); err != nil {
			_ = level.Warn(m.logger).Log("status", "mail_skipped", "uid", uid, "error_message", err.Error())
		}
	}
	return nil
}

func (m *IMAP) processOne(ctx context.Context, uid uint32, handle MailHandler) error {
	seq := new(imap.SeqSet)
	seq.AddNum(uid)

	// BODY.PEEK keeps the mail unread until the handler accepted it.
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchEnvelope}
	messages := make(chan *imap.Message, 1)
	if err := m.conn.UidFetch(seq, items, messages); err != nil {
		return fmt.Errorf("fetch uid %d: %w", uid, err)
	}
	msg := <-messages
	if msg == nil {
		return fmt.Errorf("uid %d vanished during fetch", uid)
	}

	if !m.fromWatchedSender(msg) {
		return m.markSeen(uid)
	}
	body := msg.GetBody(section)
	if body == nil {
		return m.markSeen(uid)
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read uid %d: %w", uid, err)
	}

	names := ExtractNames(string(raw))
	if len(names) == 0 {
		return m.markSeen(uid)
	}
	mailAlertsParsed.Add(float64(len(names)))
	_ = level.Info(m.logger).Log("status", "received_alerts", "uid", uid, "count", len(names))

	if err := handle(ctx, names); err != nil {
		// Leave unseen; the next sweep retries the mail.
		return fmt.Errorf("handle alerts: %w", err)
	}
	return m.markSeen(uid)
}

func (m *IMAP) fromWatchedSender(msg *imap.Message) bool {
	if m.opts.Sender == "" {
		return true
	}
	if msg.Envelope == nil {
		return false
	}
	for _, from := range msg.Envelope.From {
		if strings.Contains(from.Address(), m.opts.Sender) {
			return true
		}
	}
	return false
}

func (m *IMAP) markSeen(uid uint32) error {
	seq := new(imap.SeqSet)
	seq.AddNum(uid)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	return m.conn.UidStore(seq, item, []any{imap.SeenFlag}, nil)
}
