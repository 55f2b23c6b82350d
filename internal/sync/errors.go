package sync

import (
	"fmt"
)

// Stage names the step at which a file failed.
type Stage string

const (
	StageHash   Stage = "hash"
	StageUpload Stage = "upload"
	StageUpdate Stage = "update"
	StageAppend Stage = "append"
)

// FileError is a failure confined to one file. The run continues and the
// file is written to the failure ledger.
type FileError struct {
	Name  string
	Stage Stage
	Err   error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Name, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}
