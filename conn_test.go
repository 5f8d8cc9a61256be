package smtpc

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipeTransport(t *testing.T) (*NetTransport, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return WrapNetConn(client), server
}

func TestNetTransport_ReadLine(t *testing.T) {
	tr, server := pipeTransport(t)
	tr.SetTimeout(time.Second)

	go server.Write([]byte("250-first\r\n250 second\r\n"))

	line, err := tr.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "250-first\r\n", string(line))

	line, err = tr.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "250 second\r\n", string(line))
}

func TestNetTransport_TimeoutKeepsPartialLine(t *testing.T) {
	tr, server := pipeTransport(t)
	tr.SetTimeout(50 * time.Millisecond)

	go server.Write([]byte("250 par"))

	_, err := tr.ReadLine()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)

	go server.Write([]byte("tial\r\n"))
	line, err := tr.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "250 partial\r\n", string(line))
}

func TestNetTransport_LineTooLong(t *testing.T) {
	tr, server := pipeTransport(t)
	tr.SetTimeout(time.Second)
	tr.MaxLineLength = 16

	go server.Write([]byte("250 " + strings.Repeat("x", 32) + "\r\n"))

	_, err := tr.ReadLine()
	assert.ErrorIs(t, err, ErrLineTooLong)
}

func TestNetTransport_WriteFlush(t *testing.T) {
	tr, server := pipeTransport(t)
	tr.SetTimeout(time.Second)

	_, err := tr.Write([]byte("NOOP\r\n"))
	require.NoError(t, err)

	got := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(server).ReadString('\n')
		got <- line
	}()
	require.NoError(t, tr.Flush())
	assert.Equal(t, "NOOP\r\n", <-got)
}

func TestNetTransport_Disconnect(t *testing.T) {
	tr, _ := pipeTransport(t)
	tr.SetTimeout(0)

	done := make(chan error, 1)
	go func() {
		_, err := tr.ReadLine()
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, tr.Disconnect())
	assert.Error(t, <-done)
	assert.NoError(t, tr.Disconnect(), "second Disconnect is a no-op")

	_, err := tr.Write([]byte("NOOP\r\n"))
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = tr.ReadLine()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestNetTransport_Connect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Write([]byte("220 ready\r\n"))
		conn.Close()
	}()

	addr := ln.Addr().(*net.TCPAddr)
	tr := NewNetTransport()
	tr.SetTimeout(time.Second)
	require.NoError(t, tr.Connect(context.Background(), "127.0.0.1", addr.Port))
	defer tr.Disconnect()

	assert.ErrorIs(t, tr.Connect(context.Background(), "127.0.0.1", addr.Port), ErrAlreadyConnected)

	line, err := tr.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "220 ready\r\n", string(line))
}
