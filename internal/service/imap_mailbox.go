package service

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"io"
	"regexp"
	"strings"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"
	"go.uber.org/zap"

	_ "github.com/emersion/go-message/charset"
)

// IMAPConfig 收验证码邮箱的连接参数。
type IMAPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
}

// imapMailbox 基于 go-imap 的 Mailbox 实现，连接按需建立并复用。
type imapMailbox struct {
	cfg    IMAPConfig
	logger *zap.Logger

	mu     sync.Mutex
	client *imapclient.Client
}

// NewIMAPMailbox 创建 IMAP 收件箱。
func NewIMAPMailbox(cfg IMAPConfig, logger *zap.Logger) Mailbox {
	return &imapMailbox{cfg: cfg, logger: logger.Named("imap")}
}

func (m *imapMailbox) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		// 用 Noop 验证连接还活着
		if err := m.client.Noop().Wait(); err == nil {
			return nil
		}
		_ = m.client.Close()
		m.client = nil
	}

	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	client, err := imapclient.DialTLS(addr, nil)
	if err != nil {
		return fmt.Errorf("连接 IMAP %s 失败: %w", addr, err)
	}
	if err := client.Login(m.cfg.Username, m.cfg.Password).Wait(); err != nil {
		_ = client.Close()
		return fmt.Errorf("IMAP 登录失败: %w", err)
	}
	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		_ = client.Close()
		return fmt.Errorf("选择收件箱失败: %w", err)
	}
	m.client = client
	m.logger.Debug("imap.connected", zap.String("host", m.cfg.Host))
	return nil
}

func (m *imapMailbox) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		_ = m.client.Logout().Wait()
		_ = m.client.Close()
		m.client = nil
	}
}

// Fetch 拉取指定发件人最近 limit 封邮件并解析。
func (m *imapMailbox) Fetch(ctx context.Context, from string, limit int) ([]VerificationEmail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return nil, fmt.Errorf("IMAP 未连接")
	}

	criteria := &imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{{Key: "From", Value: from}},
	}
	data, err := m.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("搜索邮件失败: %w", err)
	}
	uids := data.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}
	if len(uids) > limit {
		uids = uids[len(uids)-limit:]
	}

	fetchOptions := &imap.FetchOptions{
		UID:         true,
		Envelope:    true,
		BodySection: []*imap.FetchItemBodySection{{}},
	}
	msgs, err := m.client.Fetch(imap.UIDSetNum(uids...), fetchOptions).Collect()
	if err != nil {
		return nil, fmt.Errorf("拉取邮件失败: %w", err)
	}

	emails := make([]VerificationEmail, 0, len(msgs))
	for _, msg := range msgs {
		email := VerificationEmail{UID: uint32(msg.UID)}
		if msg.Envelope != nil {
			email.Date = msg.Envelope.Date
			email.Subject = msg.Envelope.Subject
			if len(msg.Envelope.To) > 0 {
				email.To = msg.Envelope.To[0].Addr()
			}
		}
		raw := msg.FindBodySection(&imap.FetchItemBodySection{})
		if len(raw) > 0 {
			parseMessageBody(raw, &email)
		}
		emails = append(emails, email)
	}
	return emails, nil
}

var htmlTagPattern = regexp.MustCompile(`(?s)<[^>]+>`)

// parseMessageBody 解析原始邮件，填充转发头和正文。
// 优先用 text/plain，缺失时退回去掉标签的 text/html。
func parseMessageBody(raw []byte, email *VerificationEmail) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		email.Body = string(raw)
		return
	}
	email.XOriginalTo = mr.Header.Get("X-Original-To")
	email.DeliveredTo = mr.Header.Get("Delivered-To")

	var plain, htmlBody strings.Builder
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		header, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := header.ContentType()
		content, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}
		switch contentType {
		case "text/plain":
			plain.Write(content)
		case "text/html":
			htmlBody.Write(content)
		}
	}

	if plain.Len() > 0 {
		email.Body = plain.String()
		return
	}
	if htmlBody.Len() > 0 {
		stripped := htmlTagPattern.ReplaceAllString(htmlBody.String(), "\n")
		email.Body = html.UnescapeString(stripped)
	}
}
