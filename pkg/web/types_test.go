package web_test

import (
	"testing"

	"github.com/dukex/lazypipe/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
)

func TestRunRequest_Validation(t *testing.T) {
	t.Parallel()

	validate := validator.New(validator.WithRequiredStructEnabled())

	tests := []struct {
		name    string
		request web.RunRequest
		wantErr bool
	}{
		{name: "one target", request: web.RunRequest{Targets: []string{"total"}}},
		{name: "with params", request: web.RunRequest{Targets: []string{"a", "b"}, Params: map[string]any{"x": 1}}},
		{name: "nil targets", request: web.RunRequest{}, wantErr: true},
		{name: "empty targets", request: web.RunRequest{Targets: []string{}}, wantErr: true},
		{name: "blank target", request: web.RunRequest{Targets: []string{"total", ""}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := validate.Struct(tt.request)
			if tt.wantErr {
				assert.Error(t, err)

				return
			}

			assert.NoError(t, err)
		})
	}
}
