package notify

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"

	"skuharvest/internal/config"

	"gopkg.in/gomail.v2"
)

var _ Notifier = (*EmailNotifier)(nil)

// EmailNotifier 实现邮件通知。
type EmailNotifier struct {
	cfg    *config.EmailConfig
	logger *slog.Logger
	send   func(m *gomail.Message) error
}

// NewEmailNotifier 创建一个新的邮件通知器。
func NewEmailNotifier(cfg *config.EmailConfig, logger *slog.Logger) *EmailNotifier {
	n := &EmailNotifier{
		cfg:    cfg,
		logger: logger,
	}
	n.send = func(m *gomail.Message) error {
		d := gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass)
		return d.DialAndSend(m)
	}
	return n
}

// Enabled 判断 SMTP 与收件人是否都已配置。
func (n *EmailNotifier) Enabled() bool {
	if n == nil || n.cfg == nil {
		return false
	}
	return n.cfg.SMTPHost != "" && n.cfg.SMTPUser != "" && n.cfg.FromEmail != "" &&
		strings.TrimSpace(n.cfg.ToEmail) != ""
}

// Send 发送批次摘要邮件。
func (n *EmailNotifier) Send(ctx context.Context, report Report) error {
	if !n.Enabled() {
		n.logger.Debug("email config missing, skip notification")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromEmail)
	m.SetHeader("To", n.cfg.ToEmail)
	m.SetHeader("Subject", subjectFor(report))
	m.SetBody("text/html", n.buildHTMLBody(report))

	if err := n.send(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	n.logger.Info("run summary email sent",
		slog.String("to", n.cfg.ToEmail),
		slog.String("run_id", report.RunID))
	return nil
}

func subjectFor(report Report) string {
	if report.Failed() {
		return "[skuharvest] 采集失败"
	}
	return fmt.Sprintf("[skuharvest] 采集完成：%d 条记录", report.Resolved)
}

func (n *EmailNotifier) buildHTMLBody(report Report) string {
	status := "完成"
	errLine := ""
	if report.Failed() {
		status = "失败"
		errLine = fmt.Sprintf(`<tr><td>错误</td><td style="color:#ef4444;">%s</td></tr>`, html.EscapeString(report.Err.Error()))
	}

	template := `
<!DOCTYPE html>
<html>
<head><meta charset="UTF-8" /></head>
<body style="font-family: Arial, sans-serif; background: #f6f7fb; color: #1f2937;">
  <div style="max-width: 560px; margin: 24px auto; background: #ffffff; border: 1px solid #e5e7eb; border-radius: 12px; padding: 20px;">
    <h2>采集批次%s</h2>
    <table cellpadding="6">
      <tr><td>批次</td><td>%s</td></tr>
      <tr><td>关键词</td><td>%s</td></tr>
      <tr><td>页数</td><td>%d</td></tr>
      <tr><td>发现 SKU</td><td>%d</td></tr>
      <tr><td>价格请求</td><td>%d</td></tr>
      <tr><td>成功</td><td>%d</td></tr>
      <tr><td>跳过</td><td>%d</td></tr>
      <tr><td>重复</td><td>%d</td></tr>
      <tr><td>耗时</td><td>%s</td></tr>
      %s
    </table>
  </div>
</body>
</html>`

	return fmt.Sprintf(template,
		status,
		html.EscapeString(report.RunID),
		html.EscapeString(report.Keyword),
		report.Pages,
		report.Discovered,
		report.PriceBatches,
		report.Resolved,
		report.Skipped,
		report.Duplicates,
		report.Duration.Round(1e6).String(),
		errLine,
	)
}
