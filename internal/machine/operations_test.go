package machine

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/nerrad567/machine-telemetry/internal/telemetry"
)

func TestOperationTable_Name(t *testing.T) {
	ops := DefaultOperationTable()

	tests := []struct {
		code int
		want string
	}{
		{0, "MACHINE OFF"},
		{10, "NORMAL OPERATION"},
		{11, "TENKEN"},
		{13, "TENKEN"},
		{27, "TENKEN"},
		{41, "ANTRI JOB"},
		{6, UnknownOperationName},
		{12, UnknownOperationName},
		{-1, UnknownOperationName},
		{999, UnknownOperationName},
	}
	for _, tt := range tests {
		if got := ops.Name(tt.code); got != tt.want {
			t.Errorf("Name(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestNewOperationTable_CopiesInput(t *testing.T) {
	src := map[int]string{1: "RUN"}
	ops := NewOperationTable(src)
	src[1] = "CHANGED"

	if ops.Name(1) != "RUN" {
		t.Error("table must not alias the caller's map")
	}
	if ops.Len() != 1 {
		t.Errorf("Len() = %d, want 1", ops.Len())
	}
}

func TestLoadOperationCodes(t *testing.T) {
	dir := t.TempDir()

	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("writing %s: %v", name, err)
		}
		return path
	}

	t.Run("valid", func(t *testing.T) {
		path := write("ops.yaml", "operation_codes:\n  1: RUNNING\n  2: IDLE\n")
		ops, err := LoadOperationCodes(path)
		if err != nil {
			t.Fatalf("LoadOperationCodes() error = %v", err)
		}
		if ops.Name(1) != "RUNNING" || ops.Name(10) != UnknownOperationName {
			t.Error("file must replace the built-in table")
		}
	})

	t.Run("empty", func(t *testing.T) {
		path := write("empty.yaml", "operation_codes: {}\n")
		if _, err := LoadOperationCodes(path); err == nil {
			t.Error("expected error for empty table")
		}
	})

	t.Run("blank name", func(t *testing.T) {
		path := write("blank.yaml", "operation_codes:\n  1: \"\"\n")
		if _, err := LoadOperationCodes(path); err == nil {
			t.Error("expected error for blank name")
		}
	})

	t.Run("bad yaml", func(t *testing.T) {
		path := write("bad.yaml", "operation_codes: [1, 2\n")
		if _, err := LoadOperationCodes(path); err == nil {
			t.Error("expected parse error")
		}
	})

	t.Run("missing", func(t *testing.T) {
		if _, err := LoadOperationCodes(filepath.Join(dir, "none.yaml")); err == nil {
			t.Error("expected error for missing file")
		}
	})
}

func TestDecodeFields(t *testing.T) {
	layout := telemetry.DefaultLayout()
	ops := DefaultOperationTable()

	regs := []int{10, 0, 1234}
	f, err := DecodeFields(regs, layout, ops)
	if err != nil {
		t.Fatalf("DecodeFields() error = %v", err)
	}
	if f.StatusCode != 10 || f.Counter != 1234 || f.OperationName != "NORMAL OPERATION" {
		t.Errorf("DecodeFields() = %+v", f)
	}

	regs[0] = 99
	if f.Registers[0] != 10 {
		t.Error("Fields must not alias the input registers")
	}

	if _, err := DecodeFields([]int{10, 0}, layout, ops); !errors.Is(err, telemetry.ErrTooFewRegisters) {
		t.Errorf("DecodeFields(short) error = %v, want ErrTooFewRegisters", err)
	}
}
