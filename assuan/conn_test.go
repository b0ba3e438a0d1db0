// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package assuan_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/scauth/go-scauth/assuan"
)

// scripted returns a connection which reads the given response lines and
// records everything written to it.
func scripted(responses ...string) (*assuan.Conn, *bytes.Buffer) {
	var sent bytes.Buffer
	r := strings.NewReader(strings.Join(responses, "\n") + "\n")
	return assuan.NewConn(&sent, r, nil), &sent
}

func TestTransactLineClassification(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		conn, sent := scripted("OK")
		data, err := conn.Transact(context.Background(), "NOP", nil)
		if err != nil {
			t.Fatal(err)
		}
		if len(data) != 0 {
			t.Errorf("expected no data, got %q", data)
		}
		if sent.String() != "NOP\n" {
			t.Errorf("expected command line to be sent, got %q", sent.String())
		}
	})

	t.Run("err", func(t *testing.T) {
		conn, _ := scripted("ERR 1 foo")
		_, err := conn.Transact(context.Background(), "NOP", nil)
		var e *assuan.Error
		if !errors.As(err, &e) {
			t.Fatalf("expected *assuan.Error, got %v", err)
		}
		if e.Code != 1 || e.Description != "foo" {
			t.Errorf("expected code 1 and description foo, got %d and %q", e.Code, e.Description)
		}
	})

	t.Run("data", func(t *testing.T) {
		conn, _ := scripted("D %41%42", "# comment", "D +C", "OK")
		data, err := conn.Transact(context.Background(), "GET", nil)
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != "AB+C" {
			t.Errorf("expected AB+C, got %q", data)
		}
	})

	t.Run("data callback", func(t *testing.T) {
		conn, _ := scripted("D one", "D two", "OK")
		var chunks []string
		data, err := conn.Transact(context.Background(), "GET", &assuan.Handler{
			Data: func(p []byte) error { chunks = append(chunks, string(p)); return nil },
		})
		if err != nil {
			t.Fatal(err)
		}
		if data != nil {
			t.Errorf("expected data to go to callback only, got %q", data)
		}
		if strings.Join(chunks, ",") != "one,two" {
			t.Errorf("unexpected chunks: %q", chunks)
		}
	})

	t.Run("status", func(t *testing.T) {
		conn, _ := scripted("S SERIALNO D276 0", "S PROGRESS", "OK")
		var got []string
		_, err := conn.Transact(context.Background(), "SERIALNO", &assuan.Handler{
			Status: func(keyword, args string) error {
				got = append(got, keyword+"="+args)
				return nil
			},
		})
		if err != nil {
			t.Fatal(err)
		}
		if strings.Join(got, ";") != "SERIALNO=D276 0;PROGRESS=" {
			t.Errorf("unexpected status lines: %q", got)
		}
	})
}

func TestTransactProtocolErrors(t *testing.T) {
	for _, test := range []struct {
		name     string
		response string
	}{
		{name: "unknown verb", response: "HELLO"},
		{name: "empty line", response: ""},
		{name: "bad error code", response: "ERR x foo"},
		{name: "bad escape", response: "D %G0"},
		{name: "status without keyword", response: "S "},
		{name: "too long", response: "D " + strings.Repeat("a", assuan.MaxLineLength+10)},
	} {
		t.Run(test.name, func(t *testing.T) {
			conn, _ := scripted(test.response, "OK")
			_, err := conn.Transact(context.Background(), "NOP", nil)
			if !errors.Is(err, assuan.ErrProtocol) {
				t.Fatalf("expected protocol error, got %v", err)
			}

			// Connection is out of sync and must refuse further use
			_, err = conn.Transact(context.Background(), "NOP", nil)
			if !errors.Is(err, assuan.ErrBroken) {
				t.Fatalf("expected broken connection error, got %v", err)
			}
		})
	}
}

func TestTransactEOF(t *testing.T) {
	conn, _ := scripted("S PROGRESS")
	_, err := conn.Transact(context.Background(), "NOP", nil)
	if !errors.Is(err, assuan.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestTransactInquiry(t *testing.T) {
	t.Run("answered once before final status", func(t *testing.T) {
		conn, sent := scripted("INQUIRE NEEDPIN OPENPGP.3", "D sig", "OK")
		var calls int
		data, err := conn.Transact(context.Background(), "PKSIGN OPENPGP.3", &assuan.Handler{
			Inquire: func(_ context.Context, keyword, args string) ([]byte, error) {
				calls++
				if keyword != "NEEDPIN" || args != "OPENPGP.3" {
					return nil, fmt.Errorf("unexpected inquiry %s %s", keyword, args)
				}
				return []byte("12 34%"), nil
			},
			Sensitive: true,
		})
		if err != nil {
			t.Fatal(err)
		}
		if calls != 1 {
			t.Errorf("expected exactly one inquiry callback, got %d", calls)
		}
		if string(data) != "sig" {
			t.Errorf("expected data sig, got %q", data)
		}
		if want := "PKSIGN OPENPGP.3\nD 12 34%25\nEND\n"; sent.String() != want {
			t.Errorf("expected %q to be sent, got %q", want, sent.String())
		}
	})

	t.Run("no handler sends empty answer", func(t *testing.T) {
		conn, sent := scripted("INQUIRE SENDCERT", "OK")
		if _, err := conn.Transact(context.Background(), "VALIDATE", nil); err != nil {
			t.Fatal(err)
		}
		if want := "VALIDATE\nEND\n"; sent.String() != want {
			t.Errorf("expected %q, got %q", want, sent.String())
		}
	})

	t.Run("handler failure cancels", func(t *testing.T) {
		errNoPin := errors.New("no pin")
		conn, sent := scripted("INQUIRE NEEDPIN x", "ERR 99 canceled", "OK")
		_, err := conn.Transact(context.Background(), "PKSIGN k", &assuan.Handler{
			Inquire: func(context.Context, string, string) ([]byte, error) { return nil, errNoPin },
		})
		if !errors.Is(err, errNoPin) {
			t.Fatalf("expected handler error, got %v", err)
		}
		if !assuan.HasCode(err, assuan.CodeCanceled) {
			t.Errorf("expected daemon error to be wrapped too, got %v", err)
		}
		if want := "PKSIGN k\nCAN\n"; sent.String() != want {
			t.Errorf("expected %q, got %q", want, sent.String())
		}

		// The transaction was drained, so the connection is still usable
		if _, err := conn.Transact(context.Background(), "NOP", nil); err != nil {
			t.Fatalf("expected connection to stay in sync, got %v", err)
		}
	})

	t.Run("large answer is split", func(t *testing.T) {
		conn, sent := scripted("INQUIRE TARGETCERT", "OK")
		payload := bytes.Repeat([]byte{0, 'x'}, 1000)
		_, err := conn.Transact(context.Background(), "VALIDATE", &assuan.Handler{
			Inquire: func(context.Context, string, string) ([]byte, error) { return payload, nil },
		})
		if err != nil {
			t.Fatal(err)
		}

		lines := strings.Split(strings.TrimSuffix(sent.String(), "\n"), "\n")
		if lines[len(lines)-1] != "END" {
			t.Fatalf("expected END as last line, got %q", lines[len(lines)-1])
		}
		var got []byte
		for _, l := range lines[1 : len(lines)-1] {
			if len(l) > assuan.MaxLineLength {
				t.Errorf("line of %d bytes exceeds maximum", len(l))
			}
			if !strings.HasPrefix(l, "D ") {
				t.Fatalf("expected data line, got %q", l)
			}
			dec, err := assuan.Unescape([]byte(l[2:]))
			if err != nil {
				t.Fatal(err)
			}
			got = append(got, dec...)
		}
		if !bytes.Equal(got, payload) {
			t.Error("reassembled answer does not match payload")
		}
	})

	t.Run("nested transaction refused", func(t *testing.T) {
		conn, _ := scripted("INQUIRE NEEDPIN", "OK")
		var nestedErr error
		_, err := conn.Transact(context.Background(), "PKSIGN k", &assuan.Handler{
			Inquire: func(ctx context.Context, _, _ string) ([]byte, error) {
				_, nestedErr = conn.Transact(ctx, "NOP", nil)
				return nil, nil
			},
		})
		if err != nil {
			t.Fatal(err)
		}
		if !errors.Is(nestedErr, assuan.ErrBusy) {
			t.Fatalf("expected ErrBusy, got %v", nestedErr)
		}
	})
}

func TestTransactHandlerErrorDrains(t *testing.T) {
	errBad := errors.New("bad status")
	conn, _ := scripted("S SERIALNO zz", "S OTHER", "D ignored", "OK", "D next", "OK")
	var statusCalls int
	_, err := conn.Transact(context.Background(), "LEARN", &assuan.Handler{
		Status: func(string, string) error { statusCalls++; return errBad },
	})
	if !errors.Is(err, errBad) {
		t.Fatalf("expected handler error, got %v", err)
	}
	if statusCalls != 1 {
		t.Errorf("expected handlers to stop after first error, got %d calls", statusCalls)
	}

	data, err := conn.Transact(context.Background(), "NEXT", nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "next" {
		t.Errorf("expected next transaction to read its own data, got %q", data)
	}
}

func TestTransactCommandValidation(t *testing.T) {
	conn, sent := scripted("OK")
	if _, err := conn.Transact(context.Background(), strings.Repeat("A", assuan.MaxLineLength+1), nil); !errors.Is(err, assuan.ErrLineTooLong) {
		t.Fatalf("expected ErrLineTooLong, got %v", err)
	}
	if _, err := conn.Transact(context.Background(), "A\nB", nil); err == nil {
		t.Fatal("expected error for embedded newline")
	}
	if sent.Len() != 0 {
		t.Fatalf("expected nothing to be sent, got %q", sent.String())
	}
	if _, err := conn.Transact(context.Background(), "NOP", nil); err != nil {
		t.Fatalf("expected rejected commands to leave connection usable, got %v", err)
	}
}

func TestReadGreeting(t *testing.T) {
	conn, sent := scripted("# scdaemon", "OK Pleased to meet you")
	if err := conn.ReadGreeting(context.Background()); err != nil {
		t.Fatal(err)
	}
	if sent.Len() != 0 {
		t.Errorf("expected nothing to be sent, got %q", sent.String())
	}

	conn, _ = scripted("ERR 67109139 not allowed")
	if err := conn.ReadGreeting(context.Background()); !assuan.HasCode(err, 275) {
		t.Errorf("expected greeting error, got %v", err)
	}
}

func TestTransactCancel(t *testing.T) {
	client, server := net.Pipe()
	defer func() { _ = client.Close() }()
	defer func() { _ = server.Close() }()

	// Read the command and never answer it
	go func() {
		buf := make([]byte, 64)
		_, _ = server.Read(buf)
	}()

	conn := assuan.NewConn(client, client, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := conn.Transact(ctx, "SERIALNO", nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if _, err := conn.Transact(context.Background(), "NOP", nil); !errors.Is(err, assuan.ErrBroken) {
		t.Fatalf("expected broken connection, got %v", err)
	}
}
