package common

import (
	"encoding/json"
)

func getStatusMapping() []string {
	return []string{"STARTED", "FINISHED", "FINISHED_INCOMPLETE", "DOOMED", "TERMINATED"}
}

// ComposeStatus is the content of the STATUS file in the compose top
// directory.
type ComposeStatus int

const (
	StatusStarted ComposeStatus = iota
	StatusFinished
	StatusFinishedIncomplete
	StatusDoomed
	StatusTerminated
)

// CustomJsonConversionError is thrown when parsing strings into enumerations
type CustomJsonConversionError struct {
	reason string
}

// Error returns the error as a string
func (err *CustomJsonConversionError) Error() string {
	return err.reason
}

// ToString converts ComposeStatus into the string stored in STATUS
func (cs ComposeStatus) ToString() string {
	return getStatusMapping()[int(cs)]
}

func (cs ComposeStatus) String() string {
	return cs.ToString()
}

// ExitCode maps a final status to the process exit code.
func (cs ComposeStatus) ExitCode() int {
	switch cs {
	case StatusFinished:
		return 0
	case StatusFinishedIncomplete:
		return 2
	default:
		return 1
	}
}

// ParseComposeStatus converts a trimmed STATUS value back to the enum.
func ParseComposeStatus(s string) (ComposeStatus, error) {
	for n, str := range getStatusMapping() {
		if str == s {
			return ComposeStatus(n), nil
		}
	}
	return 0, &CustomJsonConversionError{"invalid compose status: " + s}
}

// UnmarshalJSON converts a JSON string into a ComposeStatus
func (cs *ComposeStatus) UnmarshalJSON(data []byte) error {
	var stringInput string
	err := json.Unmarshal(data, &stringInput)
	if err != nil {
		return err
	}
	val, err := ParseComposeStatus(stringInput)
	if err != nil {
		return err
	}
	*cs = val
	return nil
}

func (cs ComposeStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(getStatusMapping()[cs])
}
