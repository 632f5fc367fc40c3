package contract

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := NewErrorf(MissingParameter, "missing required parameter %q", "step")
	wrapped := fmt.Errorf("train svm: %w", err)

	assert.True(t, errors.Is(wrapped, ErrMissingParameter))
	assert.False(t, errors.Is(wrapped, ErrParameterType))
}

func TestAsErrorWrapsForeignErrors(t *testing.T) {
	e := AsError(errors.New("disk full"))
	assert.Equal(t, Execution, e.Code)
	assert.Contains(t, e.Error(), "disk full")

	own := NewError(ArtifactLoad, "no model.json")
	assert.Same(t, own, AsError(fmt.Errorf("predict: %w", own)))
	assert.Nil(t, AsError(nil))
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, NewError(ParameterType, "x").StatusCode())
	assert.Equal(t, http.StatusConflict, NewError(OperatorBusy, "x").StatusCode())
	assert.Equal(t, http.StatusInternalServerError, NewError(Execution, "x").StatusCode())
}
