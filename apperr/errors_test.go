package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatusByKind(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{Validation("bad"), http.StatusBadRequest},
		{Auth("no"), http.StatusUnauthorized},
		{Forbidden("no"), http.StatusForbidden},
		{NotFound("gone"), http.StatusNotFound},
		{TooLarge("big"), http.StatusRequestEntityTooLarge},
		{Limit("many"), http.StatusTooManyRequests},
		{Unavailable("full"), http.StatusServiceUnavailable},
		{Replay("again"), http.StatusConflict},
		{Internal(errors.New("disk")), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, HTTPStatus(tc.err), tc.err.Error())
	}
}

func TestPublicHidesInternalDetail(t *testing.T) {
	err := Internal(errors.New("sqlite: database is locked at /var/lib/x"))
	assert.Equal(t, "internal error", Public(err))
	assert.Equal(t, "internal error", Public(errors.New("raw")))
	assert.Equal(t, "invalid peer id", Public(Validation("invalid peer id")))
}

func TestKindSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("relay register: %w", Auth("identity already bound"))
	assert.Equal(t, KindAuth, KindOf(err))
	assert.True(t, Is(err, KindAuth))
	assert.False(t, Is(nil, KindInternal))
	assert.Equal(t, "auth", Code(err))
}
