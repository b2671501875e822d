package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCategoryNames(t *testing.T) {
	cases := map[error]string{
		InvalidInput("name is required"):          "ValidationError",
		SecurityViolation("memory over limit"):    "SecurityViolation",
		NotFound("instance %q", "web"):            "NotFoundError",
		BackendExecution("exit 1"):                "BackendExecutionError",
		Timeout("did not start"):                  "TimeoutError",
		InvalidState("already stopped"):           "InvalidStateError",
		Conflict("instance exists"):               "ConflictError",
		Internal("boom"):                          "InternalError",
		fmt.Errorf("wrapped: %w", NotFound("cp")): "NotFoundError",
	}

	for err, want := range cases {
		assert.Equal(t, want, Category(err), err.Error())
	}
	assert.Equal(t, "", Category(nil))
	assert.Equal(t, "Unknown", Category(errors.New("plain")))
}

func TestMapErrorKeepsCategorized(t *testing.T) {
	m := NewDefaultErrorMapper()
	original := InvalidState("paused")
	assert.Same(t, original, m.MapError(original))
}

func TestMapErrorFoldsRawErrors(t *testing.T) {
	m := NewDefaultErrorMapper()

	assert.True(t, IsCategory(m.MapError(context.DeadlineExceeded), ErrTimeout))
	assert.True(t, IsCategory(m.MapError(errors.New("domain does not exist")), ErrNotFound))
	assert.True(t, IsCategory(m.MapError(errors.New("exit status 2")), ErrBackendExecution))
	assert.True(t, IsCategory(m.MapError(errors.New("weird")), ErrInternal))
	assert.Nil(t, m.MapError(nil))
}
