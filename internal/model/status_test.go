package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseStatus(t *testing.T) {
	testCases := []struct {
		raw      string
		expected Status
		ok       bool
	}{
		{raw: "Running", expected: StatusRunning, ok: true},
		{raw: " STOPPED ", expected: StatusStopped, ok: true},
		{raw: "disconnected", expected: StatusDisconnected, ok: true},
		{raw: "unknown", expected: StatusUnknown, ok: false},
		{raw: "idle", expected: StatusUnknown, ok: false},
	}
	for _, tc := range testCases {
		t.Run(tc.raw, func(t *testing.T) {
			status, ok := ParseStatus(tc.raw)
			assert.Equal(t, tc.expected, status)
			assert.Equal(t, tc.ok, ok)
		})
	}
}

func TestJobMeta_QueueSeconds(t *testing.T) {
	meta := JobMeta{NextJobs: []NextJob{{Name: "a", EstimatedSeconds: 60}, {Name: "b", EstimatedSeconds: 90}}}
	assert.Equal(t, 150, meta.QueueSeconds())
	assert.Equal(t, 0, JobMeta{}.QueueSeconds())
}
