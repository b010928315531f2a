package obs

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
)

type syncBuffer struct {
	bytes.Buffer
	syncs int
}

func (b *syncBuffer) Sync() error {
	b.syncs++
	return nil
}

func TestSetup_DebugGate(t *testing.T) {
	t.Cleanup(func() { Setup(os.Stderr, "json", "test", false) })

	var buf bytes.Buffer
	Setup(&buf, "json", "master", false)
	Debug("hidden", Fields{"n": 1})
	if buf.Len() != 0 || DebugEnabled() {
		t.Fatalf("debug event written with debug off: %q", buf.String())
	}

	EnableDebug(true)
	Debug("shown", Fields{"err": errors.New("boom")})
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if line["msg"] != "shown" || line["role"] != "master" || line["err"] != "boom" {
		t.Fatalf("line = %v", line)
	}
	if int(line["pid"].(float64)) != os.Getpid() {
		t.Fatalf("pid = %v", line["pid"])
	}

	buf.Reset()
	Setup(&buf, "text", "worker", true)
	Info("hello", nil)
	if !DebugEnabled() || !strings.Contains(buf.String(), "role=worker") {
		t.Fatalf("text output %q", buf.String())
	}
}

func TestSync(t *testing.T) {
	t.Cleanup(func() { Setup(os.Stderr, "json", "test", false) })

	w := &syncBuffer{}
	Setup(w, "json", "master", false)
	if err := Sync(); err != nil || w.syncs != 1 {
		t.Fatalf("Sync = %v, syncs = %d", err, w.syncs)
	}

	Setup(&bytes.Buffer{}, "json", "master", false)
	if err := Sync(); err != nil {
		t.Fatalf("Sync on plain writer: %v", err)
	}
}
