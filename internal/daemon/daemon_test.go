package daemon

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolve(t *testing.T) {
	p := Resolve("/tmp/x")
	if p.Socket() != filepath.Join("/tmp/x", "tether.sock") {
		t.Errorf("socket = %s", p.Socket())
	}
	if p.DB() != filepath.Join("/tmp/x", "session.db") {
		t.Errorf("db = %s", p.DB())
	}
	if Resolve("").Dir != DefaultDir() {
		t.Error("empty dir should resolve to the default")
	}
}

func TestPIDFile(t *testing.T) {
	p := Resolve(filepath.Join(t.TempDir(), "data"))

	pid, err := p.ReadPID()
	if err != nil || pid != 0 {
		t.Fatalf("missing pid file: pid=%d err=%v", pid, err)
	}

	if err := p.WritePID(4242); err != nil {
		t.Fatal(err)
	}
	pid, err = p.ReadPID()
	if err != nil || pid != 4242 {
		t.Fatalf("pid=%d err=%v", pid, err)
	}

	if err := p.RemovePID(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(p.PID()); !os.IsNotExist(err) {
		t.Error("pid file not removed")
	}
	if err := p.RemovePID(); err != nil {
		t.Errorf("second remove: %v", err)
	}
}

func TestIsRunning(t *testing.T) {
	if !IsRunning(os.Getpid()) {
		t.Error("own process reported as not running")
	}
	if IsRunning(0) || IsRunning(-1) {
		t.Error("non-positive pid reported as running")
	}
}

func TestOpenLogFile(t *testing.T) {
	p := Resolve(filepath.Join(t.TempDir(), "logs"))
	f, err := p.OpenLogFile()
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.WriteString("line\n"); err != nil {
		t.Fatal(err)
	}
}
