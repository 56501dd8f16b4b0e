package procexec

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	if _, err := LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestRun_StreamsLines(t *testing.T) {
	requireShell(t)

	var mu sync.Mutex
	var lines []string
	res, err := Run(context.Background(), Spec{
		Name: "sh",
		Args: []string{"-c", "echo one; echo two 1>&2; printf three; exit 3"},
		OnLine: func(l string) {
			mu.Lock()
			lines = append(lines, l)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if res.Killed() {
		t.Error("Killed() = true for a normal exit")
	}
	if len(lines) != 3 || lines[2] != "three" {
		t.Errorf("lines = %q, want one/two/three", lines)
	}
	for _, want := range []string{"one", "two", "three"} {
		if !strings.Contains(res.Output, want) {
			t.Errorf("Output missing %q: %q", want, res.Output)
		}
	}
}

func TestRun_Timeout(t *testing.T) {
	requireShell(t)

	start := time.Now()
	res, err := Run(context.Background(), Spec{
		Name:    "sh",
		Args:    []string{"-c", "echo started; sleep 30 & sleep 30"},
		Timeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.TimedOut {
		t.Error("TimedOut = false, want true")
	}
	if res.Cancelled {
		t.Error("Cancelled = true, want false")
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("Run() took %v, process group was not killed", elapsed)
	}
	if !strings.Contains(res.Output, "started") {
		t.Errorf("partial output lost: %q", res.Output)
	}
}

func TestRun_Cancel(t *testing.T) {
	requireShell(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	res, err := Run(ctx, Spec{Name: "sh", Args: []string{"-c", "sleep 30"}})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.Cancelled {
		t.Error("Cancelled = false, want true")
	}
	if res.ExitCode == 0 {
		t.Error("ExitCode = 0 for a killed process")
	}
}

func TestRun_StartFailure(t *testing.T) {
	_, err := Run(context.Background(), Spec{Name: "packwise-no-such-binary-xyz"})
	if err == nil {
		t.Fatal("Run() error = nil, want start failure")
	}
}

func TestLineWriter(t *testing.T) {
	var got []string
	w := &lineWriter{onLine: func(l string) { got = append(got, l) }}

	_, _ = w.Write([]byte("a\r\nb"))
	_, _ = w.Write([]byte("c\n"))
	_, _ = w.Write([]byte("tail"))
	w.flush()

	want := []string{"a", "bc", "tail"}
	if len(got) != len(want) {
		t.Fatalf("lines = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, got[i], want[i])
		}
	}
	if w.String() != "a\r\nbc\ntail" {
		t.Errorf("String() = %q", w.String())
	}
}

func TestSpecArgv(t *testing.T) {
	s := Spec{Name: "python", Args: []string{"-m", "PyInstaller", "app.py"}}
	if got := s.Argv(); got != "python -m PyInstaller app.py" {
		t.Errorf("Argv() = %q", got)
	}
}
