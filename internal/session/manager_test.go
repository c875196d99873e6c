package session

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdpwire/pkg/model"
)

func TestManagerLookup(t *testing.T) {
	m := NewManager(nil)
	m.Add(New("S1", "T1", "", nil))
	m.Add(New("S2", "T1", "C1", nil))
	m.Add(New("S3", "T2", "C1", nil))

	s, ok := m.Get("S2")
	require.True(t, ok)
	assert.Equal(t, "C1", string(s.Context))
	assert.Len(t, m.ByTarget("T1"), 2)
	assert.Len(t, m.List(), 3)

	_, ok = m.Remove("S1")
	assert.True(t, ok)
	_, ok = m.Remove("S1")
	assert.False(t, ok)
	assert.Equal(t, 2, m.Len())
}

func TestDetachClosesOnce(t *testing.T) {
	m := NewManager(nil)
	var causes []error
	s := New("S1", "T1", "", func(err error) { causes = append(causes, err) })
	m.Add(s)

	boom := errors.New("target crashed")
	assert.True(t, m.Detach("S1", boom))
	assert.False(t, m.Detach("S1", boom))
	s.Close(errors.New("again"))
	assert.Equal(t, []error{boom}, causes)
}

func TestCloseAll(t *testing.T) {
	m := NewManager(nil)
	closed := 0
	for _, id := range []string{"S1", "S2"} {
		m.Add(New(model.SessionID(id), "T", "", func(error) { closed++ }))
	}
	m.CloseAll(nil)
	assert.Equal(t, 2, closed)
	assert.Zero(t, m.Len())
}
