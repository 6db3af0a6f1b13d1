package queue

import (
	"errors"
	"testing"
)

func TestIsBusyGroupErr(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{errors.New("BUSYGROUP Consumer Group name already exists"), true},
		{errors.New("NOGROUP No such key"), false},
		{nil, false},
	}

	for _, c := range cases {
		if got := isBusyGroupErr(c.err); got != c.want {
			t.Errorf("isBusyGroupErr(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestQueueNewDefaults(t *testing.T) {
	q := New(nil, IngestionEvents, Options{})
	if q.group != "workers" {
		t.Errorf("default group = %q, want workers", q.group)
	}
	if q.maxRetries != 5 {
		t.Errorf("default maxRetries = %d, want 5", q.maxRetries)
	}
	if q.dlqName() != "ingestion-events:dlq" {
		t.Errorf("dlqName = %q", q.dlqName())
	}
}
