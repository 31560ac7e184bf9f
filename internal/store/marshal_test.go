package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatTime_SortsChronologically(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	times := []time.Time{
		base,
		base.Add(time.Nanosecond),
		base.Add(500 * time.Millisecond),
		base.Add(time.Second),
		base.In(time.FixedZone("east", 5*3600)).Add(time.Minute),
	}
	for i := 1; i < len(times); i++ {
		assert.Less(t, formatTime(times[i-1]), formatTime(times[i]))
	}
}

func TestParseTime_RoundTrip(t *testing.T) {
	want := time.Date(2026, 3, 1, 12, 0, 0, 7, time.UTC)
	got, err := parseTime(formatTime(want))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = parseTime("yesterday")
	assert.Error(t, err)
}

func TestMarshalDetails(t *testing.T) {
	s, err := marshalDetails(map[string]string{"z": "1", "a": "<b>"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"<b>","z":"1"}`, s)

	empty, err := marshalDetails(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", empty)

	m, err := unmarshalDetails(empty)
	require.NoError(t, err)
	assert.Nil(t, m)

	_, err = unmarshalDetails("{")
	assert.Error(t, err)
}

func TestMarshalIDs(t *testing.T) {
	s, err := marshalIDs([]string{"A2", "A1"})
	require.NoError(t, err)
	assert.Equal(t, `["A2","A1"]`, s)

	ids, err := unmarshalIDs(s)
	require.NoError(t, err)
	assert.Equal(t, []string{"A2", "A1"}, ids)
}
