// Package schema validates inbound payloads against the bus contracts.
//
// The strictest contract is the Canonical Pack: the ordered, SHA-annotated
// result bundle a worker submits at task completion. Validation reads the
// raw JSON token stream so that key insertion order is observable.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// Rejection reason codes surfaced to callers.
const (
	ReasonMissingField  = "MISSING_REQUIRED_FIELD"
	ReasonFieldOrder    = "INVALID_FIELD_ORDER"
	ReasonInvalidUUID   = "INVALID_UUID"
	ReasonInvalidStatus = "INVALID_STATUS"
	ReasonInvalidSHA256 = "INVALID_SHA256"
)

// packKeys is the required key set of a canonical pack, in the required order.
var packKeys = []string{
	"task_code",
	"trace_id",
	"status",
	"submit_path",
	"ata_path",
	"evidence_paths",
	"sha256_map",
	"ruleset_sha256",
}

var (
	hex64Pattern    = regexp.MustCompile(`^[a-f0-9]{64}$`)
	taskCodePattern = regexp.MustCompile(`^[A-Z0-9-]+-v\d+(\.\d+)*__\d{8}$`)
)

// CanonicalPack is the decoded form of a valid result pack.
type CanonicalPack struct {
	TaskCode      string            `json:"task_code"`
	TraceID       string            `json:"trace_id"`
	Status        string            `json:"status"`
	SubmitPath    string            `json:"submit_path"`
	ATAPath       string            `json:"ata_path"`
	EvidencePaths []string          `json:"evidence_paths"`
	SHA256Map     map[string]string `json:"sha256_map"`
	RulesetSHA256 string            `json:"ruleset_sha256"`
}

// Result reports the outcome of a validation.
type Result struct {
	Valid      bool   `json:"valid"`
	ReasonCode string `json:"reason_code,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

func reject(code, detail string) Result {
	return Result{Valid: false, ReasonCode: code, Detail: detail}
}

// ValidatePack checks a raw canonical pack against the contract and returns
// the decoded pack when valid.
func ValidatePack(data []byte) (CanonicalPack, Result) {
	var pack CanonicalPack

	keys, err := topLevelKeys(data)
	if err != nil {
		return pack, reject(ReasonMissingField, fmt.Sprintf("not a JSON object: %v", err))
	}

	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		seen[k] = true
	}
	for _, required := range packKeys {
		if !seen[required] {
			return pack, reject(ReasonMissingField, fmt.Sprintf("missing required field %q", required))
		}
	}

	// Keys of the required set must appear in the contract order.
	ordered := make([]string, 0, len(packKeys))
	requiredSet := make(map[string]bool, len(packKeys))
	for _, k := range packKeys {
		requiredSet[k] = true
	}
	for _, k := range keys {
		if requiredSet[k] {
			ordered = append(ordered, k)
		}
	}
	for i, k := range ordered {
		if packKeys[i] != k {
			return pack, reject(ReasonFieldOrder,
				fmt.Sprintf("field %q out of order: want %q at position %d", k, packKeys[i], i))
		}
	}

	if err := json.Unmarshal(data, &pack); err != nil {
		return pack, reject(ReasonMissingField, fmt.Sprintf("malformed field value: %v", err))
	}

	u, err := uuid.Parse(pack.TraceID)
	if err != nil || u.Version() != 4 {
		return pack, reject(ReasonInvalidUUID, fmt.Sprintf("trace_id %q is not a UUID v4", pack.TraceID))
	}

	if pack.Status != "PASS" && pack.Status != "FAIL" {
		return pack, reject(ReasonInvalidStatus, fmt.Sprintf("status %q not in {PASS, FAIL}", pack.Status))
	}

	if !hex64Pattern.MatchString(pack.RulesetSHA256) {
		return pack, reject(ReasonInvalidSHA256, "ruleset_sha256 must be 64 lowercase hex digits")
	}
	for path, sum := range pack.SHA256Map {
		if !hex64Pattern.MatchString(sum) {
			return pack, reject(ReasonInvalidSHA256,
				fmt.Sprintf("sha256_map[%q] must be 64 lowercase hex digits", path))
		}
	}

	return pack, Result{Valid: true}
}

// IsCanonicalTaskCode reports whether code matches the strict canonical pack
// taskcode shape. The bus itself accepts looser legacy forms; this is a
// helper for callers that want to flag drift.
func IsCanonicalTaskCode(code string) bool {
	return taskCodePattern.MatchString(code)
}

// topLevelKeys returns the top-level object keys of data in insertion order.
func topLevelKeys(data []byte) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("expected object, got %v", tok)
	}

	var keys []string
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("expected object key, got %v", keyTok)
		}
		keys = append(keys, key)

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("reading value for %q: %w", key, err)
		}
	}
	return keys, nil
}
