package process

import (
	"errors"
	"fmt"
	"time"

	"github.com/sf7293/task-dispatcher/internal/registry"
	"github.com/sf7293/task-dispatcher/pkg/email"
	"github.com/sf7293/task-dispatcher/pkg/report"
)

const (
	defaultEmailMaxRetries = 3
	emailTimeout           = 30 * time.Second
	reportTimeout          = time.Minute
)

type Dependencies struct {
	Sender       email.Sender
	Counter      report.StatusCounter
	FromAddress  string
	EmailLogFile string
	// MaxRetries is the default for the email tasks; zero keeps the built in default
	MaxRetries int
	Queue      string
}

// Register adds every task handler of the application to the registry
func Register(reg *registry.Registry, deps Dependencies) error {
	if deps.Sender == nil {
		return errors.New("process: email sender is required")
	}
	if deps.Counter == nil {
		return errors.New("process: status counter is required")
	}

	maxRetries := deps.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultEmailMaxRetries
	}

	emails := email.NewTasks(deps.Sender, deps.FromAddress, deps.EmailLogFile)
	emailOptions := registry.Options{MaxRetries: maxRetries, Queue: deps.Queue, Timeout: emailTimeout}

	err := reg.Register(email.BookingConfirmationTask, registry.HandlerFunc(emails.SendBookingConfirmation), emailOptions)
	if err != nil {
		return fmt.Errorf("register %s: %w", email.BookingConfirmationTask, err)
	}

	err = reg.Register(email.PaymentConfirmationTask, registry.HandlerFunc(emails.SendPaymentConfirmation), emailOptions)
	if err != nil {
		return fmt.Errorf("register %s: %w", email.PaymentConfirmationTask, err)
	}

	dailyReport := report.NewDailyReport(deps.Counter, deps.Sender, deps.FromAddress)
	err = reg.Register(report.DailyReportTask, dailyReport, registry.Options{MaxRetries: 1, Queue: deps.Queue, Timeout: reportTimeout})
	if err != nil {
		return fmt.Errorf("register %s: %w", report.DailyReportTask, err)
	}

	return nil
}

// NewCatalogue returns a registry holding every task of the application. Processes that only
// enqueue use it so that each task keeps its own queue and retry defaults.
func NewCatalogue(deps Dependencies) (*registry.Registry, error) {
	reg := registry.New()
	if err := Register(reg, deps); err != nil {
		return nil, err
	}

	return reg, nil
}
