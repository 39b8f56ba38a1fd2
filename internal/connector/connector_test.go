package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/foxzi/dirsubmit/internal/directory"
	"github.com/foxzi/dirsubmit/internal/submission"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

type funcConnector struct {
	validate func(ctx context.Context, p *Payload) error
	submit   func(ctx context.Context, p *Payload, cred *submission.Credential) (*Receipt, error)
}

func (f *funcConnector) Validate(ctx context.Context, p *Payload) error {
	if f.validate == nil {
		return nil
	}
	return f.validate(ctx, p)
}

func (f *funcConnector) Submit(ctx context.Context, p *Payload, cred *submission.Credential) (*Receipt, error) {
	return f.submit(ctx, p, cred)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want submission.ErrorType
	}{
		{"classified", Errorf(submission.ErrCaptcha, "captcha shown"), submission.ErrCaptcha},
		{"wrapped classified", fmt.Errorf("submit: %w", &Error{Type: submission.ErrDuplicate}), submission.ErrDuplicate},
		{"deadline", context.DeadlineExceeded, submission.ErrTimeout},
		{"net timeout", timeoutErr{}, submission.ErrTimeout},
		{"net error", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, submission.ErrNetwork},
		{"unknown type", &Error{Type: "weird"}, submission.ErrTemporaryFailure},
		{"plain", errors.New("boom"), submission.ErrTemporaryFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.err)
			if got.Type != tt.want {
				t.Errorf("Normalize().Type = %v, want %v", got.Type, tt.want)
			}
		})
	}

	if Normalize(nil) != nil {
		t.Error("Normalize(nil) should be nil")
	}
}

func TestSubmitRecoversPanic(t *testing.T) {
	c := &funcConnector{
		validate: func(ctx context.Context, p *Payload) error { panic("bad validator") },
		submit: func(ctx context.Context, p *Payload, cred *submission.Credential) (*Receipt, error) {
			panic("bad connector")
		},
	}

	err := Validate(context.Background(), c, &Payload{})
	var ce *Error
	if !errors.As(err, &ce) || ce.Type != submission.ErrTemporaryFailure {
		t.Errorf("Validate() error = %v, want temporary_failure", err)
	}

	receipt, err := Submit(context.Background(), c, &Payload{}, nil)
	if receipt != nil {
		t.Error("Submit() receipt should be nil after panic")
	}
	if !errors.As(err, &ce) || ce.Type != submission.ErrTemporaryFailure {
		t.Errorf("Submit() error = %v, want temporary_failure", err)
	}
}

func TestReceiptOutcomeStatus(t *testing.T) {
	tests := []struct {
		status submission.RunStatus
		want   submission.RunStatus
	}{
		{"", submission.StatusSubmitted},
		{submission.StatusLive, submission.StatusLive},
		{submission.StatusAwaitingReview, submission.StatusAwaitingReview},
		{submission.StatusAlreadyListed, submission.StatusAlreadyListed},
		{submission.StatusFailed, submission.StatusSubmitted},
	}
	for _, tt := range tests {
		r := &Receipt{Status: tt.status}
		if got := r.OutcomeStatus(); got != tt.want {
			t.Errorf("OutcomeStatus(%q) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestCheckRedaction(t *testing.T) {
	cred := &submission.Credential{Secret: "hunter2"}

	clean := &Payload{Profile: submission.Profile{"business_name": "Acme"}}
	if err := CheckRedaction(clean, cred); err != nil {
		t.Errorf("CheckRedaction() clean error = %v", err)
	}

	leaked := &Payload{Profile: submission.Profile{"description": "password is hunter2"}}
	err := CheckRedaction(leaked, cred)
	var ce *Error
	if !errors.As(err, &ce) || ce.Type != submission.ErrRedaction {
		t.Errorf("CheckRedaction() error = %v, want redaction_error", err)
	}

	if err := CheckRedaction(leaked, nil); err != nil {
		t.Errorf("CheckRedaction() without credential error = %v", err)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	byMode := &funcConnector{}
	byID := &funcConnector{}
	r.RegisterMode(directory.ModeAPI, byMode)
	r.Register("special", byID)

	got, err := r.For(&directory.Directory{ID: "plain", SubmissionMode: directory.ModeAPI})
	if err != nil || got != byMode {
		t.Errorf("For(plain) = %v, %v, want mode connector", got, err)
	}

	got, err = r.For(&directory.Directory{ID: "special", SubmissionMode: directory.ModeAPI})
	if err != nil || got != byID {
		t.Errorf("For(special) = %v, %v, want directory connector", got, err)
	}

	_, err = r.For(&directory.Directory{ID: "paper", SubmissionMode: directory.ModeManual})
	var ce *Error
	if !errors.As(err, &ce) || ce.Type != submission.ErrConfig {
		t.Errorf("For(manual) error = %v, want config_error", err)
	}
}
