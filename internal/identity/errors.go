package identity

import (
	"github.com/zeebo/errs"

	"github.com/abduss/blobgate/internal/apperr"
)

var (
	// ErrInvalidAccessKey is returned for unknown, revoked or mismatched keys.
	ErrInvalidAccessKey = apperr.New(apperr.NotFound, "invalid access key")
	// ErrInvalidName signals an empty user display name.
	ErrInvalidName = apperr.New(apperr.Invalid, "invalid display name")

	// ErrSeal is the class of sealing failures.
	ErrSeal = errs.Class("identity seal")
)
