package notify

import (
	"context"
	"fmt"
	"net/smtp"

	"cinema-orders/internal/models"
	"cinema-orders/internal/util"

	"go.uber.org/zap"
)

// EmailSender delivers a notification for a settled order.
type EmailSender interface {
	SendOrderConfirmation(ctx context.Context, job *models.NotificationJob) error
	SendRefundConfirmation(ctx context.Context, job *models.NotificationJob) error
}

// SMTPSender sends plain-text mail through a single SMTP relay.
type SMTPSender struct {
	addr   string
	from   string
	auth   smtp.Auth
	logger *zap.Logger
}

// NewSMTPSender creates a new SMTP email sender
func NewSMTPSender(host string, port int, username, password, from string) *SMTPSender {
	var auth smtp.Auth
	if username != "" {
		auth = smtp.PlainAuth("", username, password, host)
	}
	return &SMTPSender{
		addr:   fmt.Sprintf("%s:%d", host, port),
		from:   from,
		auth:   auth,
		logger: util.GetLogger(),
	}
}

// SendOrderConfirmation mails the payment confirmation
func (s *SMTPSender) SendOrderConfirmation(ctx context.Context, job *models.NotificationJob) error {
	subject := fmt.Sprintf("Your order #%d is confirmed", job.OrderID)
	body := fmt.Sprintf(
		"Thank you for your purchase.\r\n\r\nOrder #%d has been paid: %s %.2f.\r\nYour movies are now available in your library.\r\n",
		job.OrderID, job.Currency, float64(job.AmountCents)/100)
	return s.send(job, subject, body)
}

// SendRefundConfirmation mails the refund confirmation
func (s *SMTPSender) SendRefundConfirmation(ctx context.Context, job *models.NotificationJob) error {
	subject := fmt.Sprintf("Your order #%d has been refunded", job.OrderID)
	body := fmt.Sprintf(
		"Order #%d has been refunded: %s %.2f.\r\nThe amount will appear on your statement within a few days.\r\n",
		job.OrderID, job.Currency, float64(job.AmountCents)/100)
	return s.send(job, subject, body)
}

func (s *SMTPSender) send(job *models.NotificationJob, subject, body string) error {
	to := recipientFor(job.UserID)
	msg := []byte(fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		s.from, to, subject, body))

	if err := smtp.SendMail(s.addr, s.auth, s.from, []string{to}, msg); err != nil {
		return fmt.Errorf("failed to send mail: %w", err)
	}

	s.logger.Info("Email sent",
		zap.String("to", to),
		zap.Int64("order_id", job.OrderID))
	return nil
}

// recipientFor derives the delivery address. The account service owns real
// addresses; until that lookup exists the relay resolves the alias.
func recipientFor(userID int64) string {
	return fmt.Sprintf("user-%d@mail.internal", userID)
}

// LogSender is a drop-in sender for environments without an SMTP relay.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender creates a sender that only logs
func NewLogSender() *LogSender {
	return &LogSender{logger: util.GetLogger()}
}

func (s *LogSender) SendOrderConfirmation(ctx context.Context, job *models.NotificationJob) error {
	s.logger.Info("Order confirmation (log only)",
		zap.Int64("order_id", job.OrderID),
		zap.Int64("user_id", job.UserID),
		zap.Int64("amount_cents", job.AmountCents))
	return nil
}

func (s *LogSender) SendRefundConfirmation(ctx context.Context, job *models.NotificationJob) error {
	s.logger.Info("Refund confirmation (log only)",
		zap.Int64("order_id", job.OrderID),
		zap.Int64("user_id", job.UserID),
		zap.Int64("amount_cents", job.AmountCents))
	return nil
}
