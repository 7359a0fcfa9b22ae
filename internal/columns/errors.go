package columns

import (
	"errors"
	"fmt"
)

// MismatchError reports a configured column (or a column implied by the
// configuration) that the data does not provide. It is fatal for a run.
type MismatchError struct {
	Element string // what the configuration expected, e.g. "data column"
	Name    string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("columns: %s %q not found", e.Element, e.Name)
}

// IsMismatch returns true if err (or any error in its chain) is a MismatchError.
func IsMismatch(err error) bool {
	var me *MismatchError
	return errors.As(err, &me)
}
