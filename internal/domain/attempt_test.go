package domain

import (
	"errors"
	"testing"
)

func TestOutcomeIsTerminal(t *testing.T) {
	t.Parallel()

	if OutcomePending.IsTerminal() {
		t.Fatal("pending must not be terminal")
	}
	if !OutcomeDelivered.IsTerminal() || !OutcomeFailed.IsTerminal() {
		t.Fatal("delivered and failed must be terminal")
	}
}

func TestResolutionValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		res     Resolution
		wantErr bool
	}{
		{name: "delivered with id", res: Delivered("msg-1")},
		{name: "failed with reason", res: Failed(ReasonTimeout)},
		{name: "delivered without id", res: Delivered(" "), wantErr: true},
		{name: "failed without reason", res: Failed(""), wantErr: true},
		{name: "pending is not terminal", res: Resolution{Outcome: OutcomePending}, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.res.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("Validate() error = %v, want ErrValidation", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate() unexpected error = %v", err)
			}
		})
	}
}
