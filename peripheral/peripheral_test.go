package peripheral

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/davitacols/supawave-sub002/pos"
)

func collect(t *testing.T, ch <-chan string, n int) []string {
	t.Helper()
	var got []string
	timeout := time.After(2 * time.Second)
	for len(got) < n {
		select {
		case code, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, code)
		case <-timeout:
			t.Fatalf("timed out after %d of %d codes", len(got), n)
		}
	}
	return got
}

func TestLineScannerStreamsCodes(t *testing.T) {
	s := NewLineScanner("test", bytes.NewBufferString("6151100000015\n\n  4006381333931 \r\n"), nil)
	ch, err := s.Start(context.Background())
	require.NoError(t, err)

	require.Equal(t, []string{"6151100000015", "4006381333931"}, collect(t, ch, 2))

	_, err = s.Start(context.Background())
	require.ErrorIs(t, err, ErrScannerBusy)

	require.NoError(t, s.Stop())
	st := s.Status()
	require.False(t, st.Active)
	require.Equal(t, 2, st.Scanned)
}

func TestLineScannerRestart(t *testing.T) {
	pr, pw := io.Pipe()
	s := NewLineScanner("pipe", pr, nil)

	ch, err := s.Start(context.Background())
	require.NoError(t, err)
	go func() { _, _ = io.WriteString(pw, "111\n") }()
	require.Equal(t, []string{"111"}, collect(t, ch, 1))
	require.NoError(t, s.Stop())

	_, ok := <-ch
	require.False(t, ok, "Stop closes the stream")

	ch, err = s.Start(context.Background())
	require.NoError(t, err)
	go func() { _, _ = io.WriteString(pw, "222\n") }()
	require.Equal(t, []string{"222"}, collect(t, ch, 1))

	require.NoError(t, pw.Close())
	_, ok = <-ch
	require.False(t, ok, "end of input closes the stream")
	require.NoError(t, s.Stop())
	require.True(t, s.Status().EOF)
}

func TestLineScannerContextCancel(t *testing.T) {
	pr, _ := io.Pipe()
	s := NewLineScanner("pipe", pr, nil)
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := s.Start(ctx)
	require.NoError(t, err)
	cancel()
	_, ok := <-ch
	require.False(t, ok)
	require.NoError(t, s.Stop())
}

func TestWriterPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := NewWriterPrinter("stdout", &buf)

	ack, err := p.Print(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, 6, ack.Bytes)
	require.Equal(t, "hello\n", buf.String())

	require.NoError(t, p.Test(context.Background()))
	st := p.Status()
	require.True(t, st.Connected)
	require.Equal(t, 2, st.Printed)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("paper out") }

func TestPrinterErrorsWrapErrPrint(t *testing.T) {
	p := NewWriterPrinter("broken", failingWriter{})
	_, err := p.Print(context.Background(), "x")
	require.ErrorIs(t, err, pos.ErrPrint)
	st := p.Status()
	require.False(t, st.Connected)
	require.Contains(t, st.LastError, "paper out")

	d := NewDevicePrinter(filepath.Join(t.TempDir(), "missing", "lp0"), false)
	require.ErrorIs(t, d.Test(context.Background()), pos.ErrPrint)
	require.False(t, d.Status().Connected)
}

func TestDevicePrinter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lp0")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	p := NewDevicePrinter(path, true)
	_, err := p.Print(context.Background(), "receipt one\n")
	require.NoError(t, err)
	_, err = p.Print(context.Background(), "receipt two\n")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "receipt one\n"+escposCut+"receipt two\n"+escposCut, string(data))
	require.True(t, p.Status().Connected)
}
