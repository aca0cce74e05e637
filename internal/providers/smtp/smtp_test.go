package smtp

import (
	"net/textproto"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/model"
)

const sample = "From: Alice <alice@example.com>\r\n" +
	"To: bob@example.com, Carol <carol@example.com>\r\n" +
	"Cc: bob@example.com\r\n" +
	"Bcc: dave@example.com,\r\n eve@example.com\r\n" +
	"Subject: hi\r\n" +
	"\r\n" +
	"Bcc: this line is body text\r\n"

func TestEnvelope(t *testing.T) {
	from, rcpts, err := Envelope([]byte(sample))
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", from)
	assert.Equal(t, []string{"bob@example.com", "carol@example.com", "dave@example.com", "eve@example.com"}, rcpts)
}

func TestEnvelopeWithoutRecipients(t *testing.T) {
	_, _, err := Envelope([]byte("From: alice@example.com\r\nSubject: x\r\n\r\nbody"))
	require.Error(t, err)
}

func TestStripBcc(t *testing.T) {
	out := string(StripBcc([]byte(sample)))
	assert.NotContains(t, out, "dave@example.com")
	assert.NotContains(t, out, "eve@example.com")
	assert.Contains(t, out, "Subject: hi\r\n\r\n")
	assert.Contains(t, out, "Bcc: this line is body text")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		code int
		want model.ErrorKind
	}{
		{535, model.KindAuth},
		{451, model.KindNetwork},
		{550, model.KindProtocol},
	}
	for _, tt := range tests {
		err := classify("op", &textproto.Error{Code: tt.code, Msg: "x"})
		assert.Equal(t, tt.want, model.KindOf(err), "code %d", tt.code)
	}
}
