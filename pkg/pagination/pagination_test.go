package pagination

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseDefaults(t *testing.T) {
	params, err := Parse("", "")

	assert.NoError(t, err)
	assert.Equal(t, DefaultPage, params.Page)
	assert.Equal(t, DefaultLimit, params.Limit)
	assert.Equal(t, 0, params.Offset)
}

func TestParseOffset(t *testing.T) {
	params, err := Parse("3", "25")

	assert.NoError(t, err)
	assert.Equal(t, 3, params.Page)
	assert.Equal(t, 25, params.Limit)
	assert.Equal(t, 50, params.Offset)
}

func TestParseClampsLimit(t *testing.T) {
	params, err := Parse("1", "500")
	assert.NoError(t, err)
	assert.Equal(t, MaxLimit, params.Limit)

	params, err = Parse("1", "0")
	assert.NoError(t, err)
	assert.Equal(t, MinLimit, params.Limit)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse("abc", "")
	assert.Error(t, err)

	_, err = Parse("", "xyz")
	assert.Error(t, err)
}

func TestNewResponseTotalPages(t *testing.T) {
	params := &Params{Page: 1, Limit: 20}

	resp := NewResponse(params, 45, nil)
	assert.Equal(t, 3, resp.TotalPages)

	resp = NewResponse(params, 40, nil)
	assert.Equal(t, 2, resp.TotalPages)

	resp = NewResponse(params, 0, nil)
	assert.Equal(t, 0, resp.TotalPages)
}
