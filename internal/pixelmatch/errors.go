package pixelmatch

import (
	"fmt"

	"golang.org/x/xerrors"
)

// ErrSizeMismatch is matched by every *SizeMismatchError.
var ErrSizeMismatch = xerrors.New("image sizes do not match")

type SizeMismatchError struct {
	Width1  int
	Height1 int
	Width2  int
	Height2 int
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("can't compare images with different sizes (%dx%d vs %dx%d)", e.Width1, e.Height1, e.Width2, e.Height2)
}

func (e *SizeMismatchError) Is(target error) bool {
	return target == ErrSizeMismatch
}
