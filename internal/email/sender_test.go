package email

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSMTP accepts one session and returns the DATA payload on the channel
func fakeSMTP(t *testing.T) (string, int, <-chan string) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	data := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		r := bufio.NewReader(conn)
		write := func(s string) { conn.Write([]byte(s + "\r\n")) }
		write("220 fake ESMTP")

		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			cmd := strings.ToUpper(strings.TrimSpace(line))
			switch {
			case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
				write("250-fake")
				write("250 OK")
			case strings.HasPrefix(cmd, "MAIL"), strings.HasPrefix(cmd, "RCPT"):
				write("250 OK")
			case cmd == "DATA":
				write("354 go ahead")
				var sb strings.Builder
				for {
					l, err := r.ReadString('\n')
					if err != nil {
						return
					}
					if l == ".\r\n" {
						break
					}
					sb.WriteString(l)
				}
				data <- sb.String()
				write("250 queued")
			case cmd == "QUIT":
				write("221 bye")
				return
			default:
				write("502 unsupported")
			}
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port, data
}

func TestSendPlain(t *testing.T) {
	host, port, data := fakeSMTP(t)

	sender := NewSender(Config{Host: host, Port: port, From: "alerts@example.com", TLSMode: TLSModeNone})
	require.True(t, sender.IsConfigured())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := sender.Send(ctx, Message{
		To:      []string{"ops@example.com"},
		Subject: "Critical settings changed\r\nBcc: evil@example.com",
		Body:    "line one\nline two",
	})
	require.NoError(t, err)

	payload := <-data
	assert.Contains(t, payload, "From: alerts@example.com\r\n")
	assert.Contains(t, payload, "To: ops@example.com\r\n")
	assert.Contains(t, payload, "Subject: Critical settings changed  Bcc: evil@example.com\r\n")
	assert.Contains(t, payload, "line one\r\nline two")
}

func TestSendRequiresConfiguration(t *testing.T) {
	err := NewSender(Config{}).Send(context.Background(), Message{To: []string{"ops@example.com"}})
	assert.Error(t, err)

	err = NewSender(Config{Host: "localhost", Port: 25, From: "a@example.com"}).Send(context.Background(), Message{})
	assert.Error(t, err)
}
