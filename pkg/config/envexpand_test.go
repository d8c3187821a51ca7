package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandEnv(t *testing.T) {
	t.Setenv("DROVER_TEST_HOST", "db.internal")
	t.Setenv("DROVER_TEST_PORT", "5432")

	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "single variable",
			in:   "host: {{.DROVER_TEST_HOST}}",
			want: "host: db.internal",
		},
		{
			name: "multiple variables on one line",
			in:   "dsn: {{.DROVER_TEST_HOST}}:{{.DROVER_TEST_PORT}}",
			want: "dsn: db.internal:5432",
		},
		{
			name: "missing variable expands empty",
			in:   "key: {{.DROVER_TEST_DOES_NOT_EXIST}}",
			want: "key: ",
		},
		{
			name: "dollar signs pass through",
			in:   `pattern: "^secret.*$"`,
			want: `pattern: "^secret.*$"`,
		},
		{
			name: "no template syntax",
			in:   "plain: value",
			want: "plain: value",
		},
		{
			name: "malformed template returned unchanged",
			in:   "bad: {{.UNCLOSED",
			want: "bad: {{.UNCLOSED",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(ExpandEnv([]byte(tt.in))))
		})
	}
}
