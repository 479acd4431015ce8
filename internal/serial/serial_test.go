package serial

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	bugst "go.bug.st/serial"
)

// fakePort scripts the byte chunks a device "sends". Once the script is
// exhausted, reads behave like an idle serial line: zero bytes, no error.
type fakePort struct {
	chunks  [][]byte
	written [][]byte
	closed  bool
}

func (f *fakePort) Read(p []byte) (int, error) {
	if len(f.chunks) == 0 {
		// Simulate the per-read timeout of an idle line.
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	n := copy(p, f.chunks[0])
	if n == len(f.chunks[0]) {
		f.chunks = f.chunks[1:]
	} else {
		f.chunks[0] = f.chunks[0][n:]
	}
	return n, nil
}

func (f *fakePort) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	copy(buf, p)
	f.written = append(f.written, buf)
	return len(p), nil
}

func (f *fakePort) Close() error                                 { f.closed = true; return nil }
func (f *fakePort) Drain() error                                 { return nil }
func (f *fakePort) ResetInputBuffer() error                      { return nil }
func (f *fakePort) ResetOutputBuffer() error                     { return nil }
func (f *fakePort) SetMode(mode *bugst.Mode) error               { return nil }
func (f *fakePort) SetDTR(dtr bool) error                        { return nil }
func (f *fakePort) SetRTS(rts bool) error                        { return nil }
func (f *fakePort) SetReadTimeout(t time.Duration) error         { return nil }
func (f *fakePort) Break(d time.Duration) error                  { return nil }
func (f *fakePort) GetModemStatusBits() (*bugst.ModemStatusBits, error) {
	return &bugst.ModemStatusBits{}, nil
}

func newFakePort(t *testing.T, chunks ...string) (*Port, *fakePort) {
	t.Helper()
	fake := &fakePort{}
	for _, c := range chunks {
		fake.chunks = append(fake.chunks, []byte(c))
	}
	p, err := NewPort(PortConfig{Path: "/dev/fake", BaudRate: 9600, ReadTimeout: time.Second})
	require.NoError(t, err)
	p.open = func() (bugst.Port, error) { return fake, nil }
	require.NoError(t, p.Open())
	return p, fake
}

func TestSerial_ReadUntilPrompt(t *testing.T) {
	t.Parallel()

	p, _ := newFakePort(t, "switch", ">")
	out, err := p.ReadUntilPrompt(nil, time.Second)
	require.NoError(t, err)
	require.Equal(t, "switch>", out)
}

func TestSerial_PromptInsideOutputDoesNotTerminate(t *testing.T) {
	t.Parallel()

	// A '#' embedded in echoed configuration must not satisfy the read; the
	// prompt only arrives in a later chunk.
	p, _ := newFakePort(t,
		"interface Gi0/1\n description uplink#core\n",
		"sw1#",
	)
	out, err := p.ReadUntilPrompt(nil, time.Second)
	require.NoError(t, err)
	require.Equal(t, "interface Gi0/1\n description uplink#core\nsw1#", out)
}

func TestSerial_PromptWithTrailingWhitespace(t *testing.T) {
	t.Parallel()

	p, _ := newFakePort(t, "sw1# \r\n")
	out, err := p.ReadUntilPrompt(nil, time.Second)
	require.NoError(t, err)
	require.Equal(t, "sw1# \r\n", out)
}

func TestSerial_TimeoutReturnsPartial(t *testing.T) {
	t.Parallel()

	p, _ := newFakePort(t, "loading...")
	out, err := p.ReadUntilPrompt(nil, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrReadTimeout)
	require.Equal(t, "loading...", out)
}

func TestSerial_PromptAtTailProperty(t *testing.T) {
	t.Parallel()

	tests := []struct {
		buf  string
		want bool
	}{
		{"sw1#", true},
		{"sw1>", true},
		{"sw1#  \r\n", true},
		{"desc a#b then more", false},
		{"", false},
		{"no prompt here", false},
		{"first# middle text\nsecond#", true},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, promptAtTail(DefaultPrompt, tc.buf), "buf %q", tc.buf)
	}
}

func TestSerial_SendLine(t *testing.T) {
	t.Parallel()

	p, fake := newFakePort(t)
	require.NoError(t, p.SendLine("conf t"))
	require.Equal(t, [][]byte{[]byte("conf t\n")}, fake.written)
}

func TestSerial_CloseReleasesPort(t *testing.T) {
	t.Parallel()

	p, fake := newFakePort(t)
	require.NoError(t, p.Close())
	require.True(t, fake.closed)
	require.ErrorIs(t, p.SendLine("x"), ErrNotOpen)
	_, err := p.ReadUntilPrompt(nil, time.Second)
	require.ErrorIs(t, err, ErrNotOpen)
}

func TestSerial_Discover(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	base := filepath.Join(dir, "port")
	for _, n := range []int{1, 3, 16} {
		require.NoError(t, os.WriteFile(PortPath(base, n), nil, 0o644))
	}

	found := Discover(base)
	require.Equal(t, []string{
		PortPath(base, 1),
		PortPath(base, 3),
		PortPath(base, 16),
	}, found)
}

func TestSerial_PortPath(t *testing.T) {
	t.Parallel()

	require.Equal(t, "/dev/port7", PortPath("/dev/port", 7))
}

func TestSerial_ConfigValidate(t *testing.T) {
	t.Parallel()

	cfg := PortConfig{}
	require.Error(t, cfg.Validate())
	cfg.Path = "/dev/port1"
	require.Error(t, cfg.Validate())
	cfg.BaudRate = 9600
	require.Error(t, cfg.Validate())
	cfg.ReadTimeout = time.Second
	require.NoError(t, cfg.Validate())
}
