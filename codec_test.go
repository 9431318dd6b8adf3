package tormgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecSingleLineReply(t *testing.T) {
	c := newCodec()
	frames, err := c.feed([]byte("250 OK\r\n"))
	require.NoError(t, err)
	require.Len(t, frames, 1)

	f := frames[0]
	assert.Equal(t, FrameReplyLine, f.Kind)
	assert.Equal(t, 250, f.Code)
	assert.Equal(t, byte(' '), f.Sep)
	assert.Equal(t, "OK", f.Payload)
	assert.True(t, f.isReplyEnd())
}

func TestCodecMultiLineReply(t *testing.T) {
	c := newCodec()
	frames, err := c.feed([]byte("250-version=0.4.8.10\r\n250 OK\r\n"))
	require.NoError(t, err)
	require.Len(t, frames, 2)

	assert.Equal(t, byte('-'), frames[0].Sep)
	assert.False(t, frames[0].isReplyEnd())
	assert.True(t, frames[1].isReplyEnd())
}

func TestCodecDataBlockUnstuffsDot(t *testing.T) {
	c := newCodec()
	frames, err := c.feed([]byte("250+config-text=\r\nSocksPort 9050\r\n..filename\r\n.\r\n250 OK\r\n"))
	require.NoError(t, err)
	require.Len(t, frames, 4)

	assert.Equal(t, FrameReplyData, frames[1].Kind)
	assert.Equal(t, "SocksPort 9050", frames[1].Payload)
	assert.Equal(t, ".filename", frames[2].Payload, "leading '..' unstuffs to a single '.'")
	assert.True(t, frames[3].isReplyEnd())
}

func TestCodecEventFrame(t *testing.T) {
	c := newCodec()
	frames, err := c.feed([]byte("650 BW 100 200\r\n"))
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.True(t, frames[0].isEvent())
	assert.Equal(t, FrameEventLine, frames[0].Kind)
}

func TestCodecIncompleteLineIsBuffered(t *testing.T) {
	c := newCodec()
	frames, err := c.feed([]byte("250 O"))
	require.NoError(t, err)
	assert.Empty(t, frames)
	assert.True(t, c.pendingIncomplete())

	frames, err = c.feed([]byte("K\r\n"))
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, "OK", frames[0].Payload)
}

func TestCodecRejectsMalformedStatusCode(t *testing.T) {
	c := newCodec()
	_, err := c.feed([]byte("abc OK\r\n"))
	assert.Error(t, err)
}

func TestQuoteArg(t *testing.T) {
	assert.Equal(t, "plain", quoteArg("plain"))
	assert.Equal(t, `""`, quoteArg(""))
	assert.Equal(t, `"has space"`, quoteArg("has space"))
	assert.Equal(t, `"a\"b"`, quoteArg(`a"b`))
}
