package replica

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	expected := []string{"Object_1.frm", "Object_1.MYD", "Object_1.MYI"}

	assert.Equal(t, NotFound, Classify(nil, expected))
	assert.Equal(t, Incomplete, Classify([]File{{Name: "Object_1.frm"}}, expected))
	assert.Equal(t, Complete, Classify([]File{
		{Name: "Object_1.frm"}, {Name: "Object_1.MYD"}, {Name: "Object_1.MYI"},
	}, expected))
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "COMPLETE", Complete.String())
	assert.Equal(t, "NOT_FOUND", NotFound.String())
	assert.Equal(t, "INCOMPLETE", Incomplete.String())
	assert.Equal(t, "CORRUPT", Corrupt.String())
}
