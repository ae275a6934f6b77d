package networking

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPErrorMessage(t *testing.T) {
	t.Parallel()

	err := NewHTTPError(http.StatusBadGateway, "https://hooks.example.com/x", "upstream down")
	assert.Equal(t, "https://hooks.example.com/x returned HTTP 502: upstream down", err.Error())

	bare := NewHTTPError(http.StatusNotFound, "https://hooks.example.com/x", "")
	assert.Equal(t, "https://hooks.example.com/x returned HTTP 404", bare.Error())
}

func TestIsHTTPError(t *testing.T) {
	t.Parallel()

	err := NewHTTPError(http.StatusNotFound, "https://example.com", "")
	wrapped := fmt.Errorf("delivery failed: %w", err)

	assert.True(t, IsHTTPError(err, http.StatusNotFound))
	assert.True(t, IsHTTPError(wrapped, http.StatusNotFound))
	assert.True(t, IsHTTPError(wrapped, 0))
	assert.False(t, IsHTTPError(err, http.StatusInternalServerError))
	assert.False(t, IsHTTPError(errors.New("plain"), 0))
	assert.False(t, IsHTTPError(nil, 0))
}
