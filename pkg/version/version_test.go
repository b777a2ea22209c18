package version

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetReturnsSemanticVersion(t *testing.T) {
	s := Get()
	assert.NotEmpty(t, s)
	assert.Regexp(t, regexp.MustCompile(`^\d+\.\d+\.\d+`), s)
}
