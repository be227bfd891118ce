package bluetooth

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
)

// PasscodeConfirmationRequest is produced during numeric-comparison pairing
type PasscodeConfirmationRequest struct {
	ID           string    `json:"id"`
	ConnectionID string    `json:"connection"`
	Passcode     string    `json:"passcode"`
	CreatedAt    time.Time `json:"created_at"`
}

func newPasscodeConfirmationRequest(connID, passcode string) PasscodeConfirmationRequest {
	return PasscodeConfirmationRequest{
		ID:           ulid.Make().String(),
		ConnectionID: connID,
		Passcode:     passcode,
		CreatedAt:    time.Now(),
	}
}

// PasscodeConfirmer is supplied by the embedding application. A nil error
// accepts the passcode; any error rejects it.
type PasscodeConfirmer interface {
	ConfirmPasscode(ctx context.Context, req PasscodeConfirmationRequest) error
}

// PasscodeConfirmerFunc adapts a function to PasscodeConfirmer
type PasscodeConfirmerFunc func(ctx context.Context, req PasscodeConfirmationRequest) error

// ConfirmPasscode calls f
func (f PasscodeConfirmerFunc) ConfirmPasscode(ctx context.Context, req PasscodeConfirmationRequest) error {
	return f(ctx, req)
}
