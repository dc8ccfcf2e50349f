package schema

import (
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const emptySHA = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// validPackJSON builds a canonical pack with all eight keys in contract order.
func validPackJSON(traceID string) string {
	return fmt.Sprintf(`{
		"task_code": "A2A-RESULT-CANONICAL-PACK-v0.1__20260116",
		"trace_id": %q,
		"status": "PASS",
		"submit_path": "artifacts/TASK-v0.1__20260116/SUBMIT.txt",
		"ata_path": "artifacts/TASK-v0.1__20260116/ata",
		"evidence_paths": ["artifacts/TASK-v0.1__20260116/log.txt"],
		"sha256_map": {"artifacts/TASK-v0.1__20260116/SUBMIT.txt": %q},
		"ruleset_sha256": %q
	}`, traceID, emptySHA, emptySHA)
}

func TestValidatePack_Valid(t *testing.T) {
	pack, res := ValidatePack([]byte(validPackJSON(uuid.NewString())))
	require.True(t, res.Valid, "detail: %s", res.Detail)
	assert.Equal(t, "A2A-RESULT-CANONICAL-PACK-v0.1__20260116", pack.TaskCode)
	assert.Equal(t, "PASS", pack.Status)
	assert.Len(t, pack.EvidencePaths, 1)
}

// Missing ruleset_sha256 entirely (scenario S1).
func TestValidatePack_MissingRequiredField(t *testing.T) {
	in := fmt.Sprintf(`{
		"task_code": "A2A-RESULT-CANONICAL-PACK-v0.1__20260116",
		"trace_id": %q,
		"status": "PASS",
		"submit_path": "artifacts/TASK-v0.1__20260116/SUBMIT.txt",
		"ata_path": "artifacts/TASK-v0.1__20260116/ata",
		"evidence_paths": ["artifacts/TASK-v0.1__20260116/log.txt"],
		"sha256_map": {"artifacts/TASK-v0.1__20260116/SUBMIT.txt": %q}
	}`, uuid.NewString(), emptySHA)

	_, res := ValidatePack([]byte(in))
	require.False(t, res.Valid)
	assert.Equal(t, ReasonMissingField, res.ReasonCode)
}

// Status outside {PASS, FAIL} (scenario S2).
func TestValidatePack_InvalidStatus(t *testing.T) {
	in := strings.Replace(validPackJSON(uuid.NewString()), `"PASS"`, `"INVALID_STATUS"`, 1)

	_, res := ValidatePack([]byte(in))
	require.False(t, res.Valid)
	assert.Equal(t, ReasonInvalidStatus, res.ReasonCode)
}

func TestValidatePack_InvalidUUID(t *testing.T) {
	_, res := ValidatePack([]byte(validPackJSON("not-a-uuid")))
	require.False(t, res.Valid)
	assert.Equal(t, ReasonInvalidUUID, res.ReasonCode)
}

func TestValidatePack_RejectsNonV4UUID(t *testing.T) {
	// Valid UUID shape, but version 1.
	_, res := ValidatePack([]byte(validPackJSON("ab2c0d84-0000-1000-8000-00805f9b34fb")))
	require.False(t, res.Valid)
	assert.Equal(t, ReasonInvalidUUID, res.ReasonCode)
}

func TestValidatePack_FieldOrder(t *testing.T) {
	// trace_id and task_code swapped.
	in := fmt.Sprintf(`{
		"trace_id": %q,
		"task_code": "A2A-RESULT-CANONICAL-PACK-v0.1__20260116",
		"status": "PASS",
		"submit_path": "artifacts/TASK-v0.1__20260116/SUBMIT.txt",
		"ata_path": "artifacts/TASK-v0.1__20260116/ata",
		"evidence_paths": ["artifacts/TASK-v0.1__20260116/log.txt"],
		"sha256_map": {"artifacts/TASK-v0.1__20260116/SUBMIT.txt": %q},
		"ruleset_sha256": %q
	}`, uuid.NewString(), emptySHA, emptySHA)

	_, res := ValidatePack([]byte(in))
	require.False(t, res.Valid)
	assert.Equal(t, ReasonFieldOrder, res.ReasonCode)
}

func TestValidatePack_InvalidSHA(t *testing.T) {
	upper := strings.ToUpper(emptySHA)
	in := strings.Replace(validPackJSON(uuid.NewString()), emptySHA, upper, 2)

	_, res := ValidatePack([]byte(in))
	require.False(t, res.Valid)
	assert.Equal(t, ReasonInvalidSHA256, res.ReasonCode)
}

func TestValidatePack_NotAnObject(t *testing.T) {
	_, res := ValidatePack([]byte(`["task_code"]`))
	require.False(t, res.Valid)
	assert.Equal(t, ReasonMissingField, res.ReasonCode)
}

func TestIsCanonicalTaskCode(t *testing.T) {
	assert.True(t, IsCanonicalTaskCode("A2A-RESULT-CANONICAL-PACK-v0.1__20260116"))
	assert.True(t, IsCanonicalTaskCode("PACK-v2__20260101"))
	assert.False(t, IsCanonicalTaskCode("lowercase-v0.1__20260116"))
	assert.False(t, IsCanonicalTaskCode("PACK-v0.1__2026"))
}

func TestIsHex64(t *testing.T) {
	assert.True(t, IsHex64(emptySHA))
	assert.False(t, IsHex64(strings.ToUpper(emptySHA)))
	assert.False(t, IsHex64(emptySHA[:63]))
}
