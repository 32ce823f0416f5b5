package machine

import (
	"fmt"
	"maps"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/machine-telemetry/internal/telemetry"
)

// UnknownOperationName is returned for status codes missing from the table.
const UnknownOperationName = "UNKNOWN STATUS"

// defaultOperationCodes is the plant's status register table.
var defaultOperationCodes = map[int]string{
	0:  "MACHINE OFF",
	1:  "TROUBLE MACHINE",
	2:  "CHOKOTEI",
	3:  "DANDORI",
	4:  "STOP PLANNING",
	5:  "TOOL CHANGES",
	7:  "WAITING MATERIAL",
	8:  "CONTROL LOSS TIME",
	9:  "UNKNOWN LOSS TIME",
	10: "NORMAL OPERATION",
	11: "TENKEN",
	13: "TENKEN",
	14: "NOT CONNECTED",
	21: "JAM ISTIRAHAT",
	22: "RENCANA PERBAIKAN",
	23: "TRIAL",
	24: "PLAN PROSES SELESAI",
	25: "5S",
	26: "MEETING PAGI/SORE",
	27: "TENKEN",
	28: "PEMANASAN",
	29: "CEK QC",
	30: "INPUT DATA",
	31: "BUANG KIRIKO",
	32: "MENUNGGU INTRUKSI ATASAN",
	33: "REPAIR",
	34: "KAIZEN",
	35: "GANTI TOISHI",
	36: "GANTI DRESSER",
	37: "1 TOOTH",
	38: "CHECK HAGATA",
	39: "DRESSING PROFILE",
	40: "DRESS-2",
	41: "ANTRI JOB",
}

// OperationTable maps status register values to operation names.
// It is immutable after construction and safe for concurrent use.
type OperationTable struct {
	names map[int]string
}

// DefaultOperationTable returns the built-in table.
func DefaultOperationTable() *OperationTable {
	return NewOperationTable(defaultOperationCodes)
}

// NewOperationTable copies names into a new table.
func NewOperationTable(names map[int]string) *OperationTable {
	return &OperationTable{names: maps.Clone(names)}
}

// operationFile is the on-disk layout of an operation code file:
//
//	operation_codes:
//	  0: MACHINE OFF
//	  10: NORMAL OPERATION
type operationFile struct {
	OperationCodes map[int]string `yaml:"operation_codes"`
}

// LoadOperationCodes reads a replacement table from a YAML file.
// The file replaces the built-in table entirely.
func LoadOperationCodes(path string) (*OperationTable, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from trusted configuration
	if err != nil {
		return nil, fmt.Errorf("reading operation codes: %w", err)
	}

	var f operationFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing operation codes: %w", err)
	}
	if len(f.OperationCodes) == 0 {
		return nil, fmt.Errorf("operation codes file %s defines no codes", path)
	}
	for code, name := range f.OperationCodes {
		if name == "" {
			return nil, fmt.Errorf("operation code %d has an empty name", code)
		}
	}

	return NewOperationTable(f.OperationCodes), nil
}

// Name returns the operation name for code, or UnknownOperationName.
func (t *OperationTable) Name(code int) string {
	if name, ok := t.names[code]; ok {
		return name
	}
	return UnknownOperationName
}

// Len returns the number of known codes.
func (t *OperationTable) Len() int {
	return len(t.names)
}

// DecodeFields extracts the status and counter registers and names the
// operation. The caller must have checked regs against layout.MinLength.
func DecodeFields(regs []int, layout telemetry.RegisterLayout, ops *OperationTable) (Fields, error) {
	status, counter, err := layout.Extract(regs)
	if err != nil {
		return Fields{}, err
	}
	return Fields{
		StatusCode:    status,
		Counter:       counter,
		OperationName: ops.Name(status),
		Registers:     append([]int(nil), regs...),
	}, nil
}
