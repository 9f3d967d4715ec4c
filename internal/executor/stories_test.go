package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCountStoryMarkers(t *testing.T) {
	text := `
- [ ] write the parser
- [x] write the scheduler
1. [x] write the verifier
* [ ] write the orchestrator
not a marker line
`
	unchecked, checked := countStoryMarkers(text)
	assert.Equal(t, 2, unchecked)
	assert.Equal(t, 2, checked)
}

func TestCountStoryMarkersEmpty(t *testing.T) {
	unchecked, checked := countStoryMarkers("no markers here")
	assert.Equal(t, 0, unchecked)
	assert.Equal(t, 0, checked)
}
