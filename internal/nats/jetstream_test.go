package natsjs

import (
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/model"
)

func TestStreamConfigCoversEventSubjects(t *testing.T) {
	cfg := StreamConfig(DefaultStream)
	assert.Equal(t, "MAIL_SYNC_EVENTS", cfg.Name)
	assert.Equal(t, nats.FileStorage, cfg.Storage)
	assert.Equal(t, 10*time.Minute, cfg.Duplicates)
	require.Len(t, cfg.Subjects, 1)

	ev, err := model.NewEvent(model.EventConflict, "acct", "INBOX", "m", nil)
	require.NoError(t, err)
	assert.True(t, subjectMatches(cfg.Subjects[0], ev.Subject()))
}

func TestNewPublisherFailsWithoutServer(t *testing.T) {
	_, err := NewPublisher("nats://127.0.0.1:1", "", zerolog.Nop())
	assert.Error(t, err)
}

// subjectMatches implements NATS wildcard matching for the test.
func subjectMatches(pattern, subject string) bool {
	p, s := strings.Split(pattern, "."), strings.Split(subject, ".")
	for i, tok := range p {
		if tok == ">" {
			return len(s) > i
		}
		if i >= len(s) || (tok != "*" && tok != s[i]) {
			return false
		}
	}
	return len(p) == len(s)
}
