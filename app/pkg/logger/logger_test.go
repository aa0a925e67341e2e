package logger

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestInitWritesDailyFile(t *testing.T) {
	dir := t.TempDir()
	t.Cleanup(func() {
		InfoLogger = nil
		ErrorLogger = nil
		log.SetOutput(os.Stderr)
	})

	if err := Init(dir); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	Info("hello %s", "world")
	Error("broken %d", 7)
	log.Printf("[Component] plain line")

	path := filepath.Join(dir, fmt.Sprintf("nisbot_%s.log", time.Now().Format("2006-01-02")))
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	content := string(data)
	for _, want := range []string{"[INFO] ", "hello world", "[ERROR] ", "broken 7", "[Component] plain line"} {
		if !strings.Contains(content, want) {
			t.Fatalf("expected %q in log file, got:\n%s", want, content)
		}
	}
}
