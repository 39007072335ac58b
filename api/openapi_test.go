package api

import (
	"os"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type document struct {
	OpenAPI string                               `yaml:"openapi"`
	Paths   map[string]map[string]map[string]any `yaml:"paths"`
}

var routePattern = regexp.MustCompile(`mux\.Handle(?:Func)?\("(?:([A-Z]+) )?([^"]+)"`)

func TestOpenAPISpecParses(t *testing.T) {
	var doc document
	require.NoError(t, yaml.Unmarshal(OpenAPISpec, &doc))
	assert.True(t, strings.HasPrefix(doc.OpenAPI, "3."))
	assert.NotEmpty(t, doc.Paths)
}

func TestEveryRouteIsDocumented(t *testing.T) {
	var doc document
	require.NoError(t, yaml.Unmarshal(OpenAPISpec, &doc))

	src, err := os.ReadFile("../internal/server/server.go")
	require.NoError(t, err)

	matches := routePattern.FindAllStringSubmatch(string(src), -1)
	require.NotEmpty(t, matches)
	for _, m := range matches {
		method, path := strings.ToLower(m[1]), m[2]
		ops, ok := doc.Paths[path]
		if !assert.True(t, ok, "route %s is not documented", path) {
			continue
		}
		if method == "" {
			assert.NotEmpty(t, ops, "route %s has no operations", path)
			continue
		}
		assert.Contains(t, ops, method, "route %s %s is not documented", m[1], path)
	}
}
