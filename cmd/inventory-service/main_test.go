package main

import (
	"testing"

	log "github.com/sirupsen/logrus"
)

func TestSetupLogger(t *testing.T) {
	defer log.SetLevel(log.InfoLevel)

	cases := []struct {
		raw  string
		want log.Level
	}{
		{"", log.InfoLevel},
		{"debug", log.DebugLevel},
		{" WARN ", log.WarnLevel},
		{"loud", log.InfoLevel},
	}
	for _, tc := range cases {
		setupLogger(tc.raw)
		if got := log.GetLevel(); got != tc.want {
			t.Fatalf("setupLogger(%q): expected %s, got %s", tc.raw, tc.want, got)
		}
	}

	formatter, ok := log.StandardLogger().Formatter.(*log.TextFormatter)
	if !ok || !formatter.FullTimestamp {
		t.Fatalf("expected text formatter with full timestamps, got %T", log.StandardLogger().Formatter)
	}
}
