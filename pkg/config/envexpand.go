package config

import (
	"bytes"
	"os"
	"text/template"
)

// ExpandEnv expands environment variables in YAML content using Go
// template {{.VAR_NAME}} syntax. Plain $ is left alone, so provider
// prompts, regex patterns, and passwords containing $ survive expansion
// untouched.
//
// Missing variables expand to the empty string; validation catches
// required fields that end up empty. Content that fails to parse as a
// template is returned unchanged, which lets YAML without any template
// syntax pass through.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		if idx := bytes.IndexByte([]byte(env), '='); idx > 0 {
			envMap[env[:idx]] = env[idx+1:]
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, envMap); err != nil {
		return data
	}
	return buf.Bytes()
}
