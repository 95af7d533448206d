package jobs

import (
	"context"
	"fmt"
	"log"

	"github.com/revaspay/reconciler/internal/queue"
	"github.com/revaspay/reconciler/internal/services/reconciliation"
	"github.com/revaspay/reconciler/internal/services/sms"
)

// Enqueuer is the part of the queue the producers use
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName string, payload interface{}, opts ...queue.EnqueueOption) (string, error)
}

// QueueNotifier implements reconciliation.Notifier by writing the notice to
// the SMS outbox queue. One message is queued per receipt.
type QueueNotifier struct {
	queue Enqueuer
}

// NewQueueNotifier creates a new queue notifier
func NewQueueNotifier(q Enqueuer) *QueueNotifier {
	return &QueueNotifier{queue: q}
}

// NotifyPayment enqueues a payment SMS
func (n *QueueNotifier) NotifyPayment(ctx context.Context, notice reconciliation.PaymentNotice) error {
	var opts []queue.EnqueueOption
	if notice.ReceiptNumber != "" {
		opts = append(opts, queue.WithJobID("sms:"+notice.ReceiptNumber))
	}
	opts = append(opts, queue.WithMaxRetries(5))

	if _, err := n.queue.Enqueue(ctx, queue.QueuePaymentSMS, notice, opts...); err != nil {
		return fmt.Errorf("failed to queue payment sms for order %s: %w", notice.OrderNumber, err)
	}
	return nil
}

// PaymentSMSJob sends the customer message for an applied payment
type PaymentSMSJob struct {
	sender sms.Sender
}

// NewPaymentSMSJob creates a new payment sms job
func NewPaymentSMSJob(sender sms.Sender) *PaymentSMSJob {
	return &PaymentSMSJob{sender: sender}
}

// Handle processes one send_payment_sms job
func (j *PaymentSMSJob) Handle(ctx context.Context, job *queue.Job) error {
	var notice reconciliation.PaymentNotice
	if err := job.Decode(&notice); err != nil {
		return fmt.Errorf("invalid payment sms payload: %w", err)
	}
	if notice.PhoneNumber == "" {
		log.Printf("Skipping payment sms for order %s: no phone number", notice.OrderNumber)
		return nil
	}

	if err := j.sender.Send(ctx, notice.PhoneNumber, PaymentMessage(notice)); err != nil {
		return err
	}
	log.Printf("Payment sms sent for order %s, receipt %s", notice.OrderNumber, notice.ReceiptNumber)
	return nil
}

// PaymentMessage renders the customer text for a notice
func PaymentMessage(notice reconciliation.PaymentNotice) string {
	greeting := "Hello"
	if notice.CustomerName != "" {
		greeting = "Hello " + notice.CustomerName
	}

	msg := fmt.Sprintf("%s, we have received KES %s for order %s", greeting, notice.Amount.StringFixed(2), notice.OrderNumber)
	if notice.ReceiptNumber != "" {
		msg += fmt.Sprintf(" (M-Pesa ref %s)", notice.ReceiptNumber)
	}
	if notice.RemainingBalance.IsPositive() {
		msg += fmt.Sprintf(". Balance due: KES %s.", notice.RemainingBalance.StringFixed(2))
	} else {
		msg += ". Your order is fully paid. Thank you!"
	}
	return msg
}
