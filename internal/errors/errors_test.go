package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrCodeNotFound, CodeOf(NotFound("instance", "abc")))
	assert.Equal(t, ErrCodeInternal, CodeOf(stderrors.New("plain")))

	// Codes survive fmt wrapping.
	wrapped := fmt.Errorf("handler: %w", NoActiveWorkflow("purchase_order"))
	assert.Equal(t, ErrCodeNoActiveWorkflow, CodeOf(wrapped))
	assert.True(t, HasCode(wrapped, ErrCodeNoActiveWorkflow))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := Wrap(cause, ErrCodeInternal, "failed to resolve role members")

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "INTERNAL")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{InvalidInput("kind", "required"), http.StatusBadRequest},
		{InvalidRule("bad rule"), http.StatusBadRequest},
		{MissingRequiredComment("reject"), http.StatusBadRequest},
		{NotFound("instance", "x"), http.StatusNotFound},
		{New(ErrCodeUnauthorized, "nope"), http.StatusForbidden},
		{NotEligibleApprover("u1"), http.StatusForbidden},
		{InstanceNotActionable("terminal"), http.StatusConflict},
		{InstanceStateChanged(), http.StatusConflict},
		{NoActiveWorkflow("purchase_order"), http.StatusUnprocessableEntity},
		{EmptyApproverSet("s1"), http.StatusUnprocessableEntity},
		{stderrors.New("plain"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.err), "error %v", tt.err)
	}
}
