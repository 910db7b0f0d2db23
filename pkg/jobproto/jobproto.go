// Package jobproto holds the wire constants of the executor job protocol,
// shared between the web server and the executor client.
package jobproto

import "unicode/utf8"

const (
	// Actions exchanged between server and executor.
	ActionGetConfig = "get_config"
	ActionValidity  = "test_validity"
	ActionFull      = "test_full"

	// Headers of a GET /jobs/ response carrying a job.
	HeaderAction            = "Action"
	HeaderSubmissionFileID  = "SubmissionFileId"
	HeaderSubmissionID      = "SubmissionId"
	HeaderTimeout           = "Timeout"
	HeaderPostRunValidation = "PostRunValidation"
	HeaderCompile           = "Compile"
	HeaderMachineID         = "MachineId"

	// Form fields of POST /jobs/ and POST /machines/.
	FieldSubmissionFileID = "SubmissionFileId"
	FieldMessage          = "Message"
	FieldMessageTutor     = "MessageTutor"
	FieldErrorCode        = "ErrorCode"
	FieldAction           = "Action"
	FieldPerfData         = "PerfData"
	FieldSecret           = "Secret"
	FieldUUID             = "UUID"
	FieldConfig           = "Config"
	FieldAddress          = "Address"
	FieldMachineID        = "MachineId"
)

// UnspecificError is the error code reported when a validation fails
// without a more precise exit status, e.g. on a validator crash.
const UnspecificError = -9999

// TruncationMarker is appended to student messages cut at the size limit.
const TruncationMarker = "\n[Output truncated]"

// Truncate cuts msg to at most limit bytes and appends the truncation
// marker. The cut backs off to a rune boundary so the result stays
// valid UTF-8. A limit <= 0 disables truncation.
func Truncate(msg string, limit int) string {
	if limit <= 0 || len(msg) <= limit {
		return msg
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut] + TruncationMarker
}
