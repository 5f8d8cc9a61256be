package smtpc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDotWriter(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   string
	}{
		{
			name:   "empty content",
			chunks: nil,
			want:   ".\r\n",
		},
		{
			name:   "CRLF content",
			chunks: []string{"Subject: hi\r\n\r\nbody\r\n"},
			want:   "Subject: hi\r\n\r\nbody\r\n.\r\n",
		},
		{
			name:   "missing final line break",
			chunks: []string{"body"},
			want:   "body\r\n.\r\n",
		},
		{
			name:   "bare LF",
			chunks: []string{"one\ntwo\n"},
			want:   "one\r\ntwo\r\n.\r\n",
		},
		{
			name:   "leading dots",
			chunks: []string{".first\r\nmid.dle\r\n..two\r\n"},
			want:   "..first\r\nmid.dle\r\n...two\r\n.\r\n",
		},
		{
			name:   "lone dot line",
			chunks: []string{"a\r\n.\r\nb\r\n"},
			want:   "a\r\n..\r\nb\r\n.\r\n",
		},
		{
			name:   "dot split across writes",
			chunks: []string{"line\r", "\n", ".x\r\n"},
			want:   "line\r\n..x\r\n.\r\n",
		},
		{
			name:   "trailing CR",
			chunks: []string{"text\r"},
			want:   "text\r\n.\r\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			dw := newDotWriter(&buf)
			for _, c := range tt.chunks {
				n, err := dw.Write([]byte(c))
				require.NoError(t, err)
				assert.Equal(t, len(c), n)
			}
			require.NoError(t, dw.Close())
			assert.Equal(t, tt.want, buf.String())
			assert.Equal(t, int64(len(tt.want)), dw.Written())
		})
	}
}
