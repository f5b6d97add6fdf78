package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/periodguard/internal/shared"
)

func TestRespondErrorMapsKinds(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("approval: not pending: %w", shared.ErrInvalidState), http.StatusConflict},
		{fmt.Errorf("lost race: %w", shared.ErrConcurrentModification), http.StatusConflict},
		{fmt.Errorf("reason required: %w", shared.ErrValidation), http.StatusUnprocessableEntity},
		{fmt.Errorf("role missing: %w", shared.ErrUnauthorized), http.StatusForbidden},
		{fmt.Errorf("period: %w", shared.ErrNotFound), http.StatusNotFound},
		{ErrUnauthorized, http.StatusUnauthorized},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		RespondError(rr, tc.err)
		require.Equal(t, tc.status, rr.Code, tc.err.Error())

		var problem ProblemDetail
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &problem))
		require.Equal(t, tc.status, problem.Status)
	}
}
