package database

import (
	stderrors "errors"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/lib/pq"

	"github.com/pharmaportal/pharmaportal-backend/pkg/errors"
)

// MapPQError converts a PostgreSQL error to an AppError with meaningful messages.
// Returns nil if the error is not a pq.Error or has no specific mapping.
func MapPQError(err error) *errors.AppError {
	var pqErr *pq.Error
	if !stderrors.As(err, &pqErr) {
		return nil
	}

	switch string(pqErr.Code) {
	case pgerrcode.CheckViolation:
		return mapCheckConstraint(pqErr)

	case pgerrcode.UniqueViolation:
		return errors.Conflict(formatConstraintMessage(pqErr))

	case pgerrcode.ForeignKeyViolation:
		return errors.BadRequest("referenced record does not exist")

	case pgerrcode.NotNullViolation:
		col := pqErr.Column
		if col == "" {
			col = "required field"
		}
		return errors.Validation(map[string]string{
			col: "must not be empty",
		})

	case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected, pgerrcode.LockNotAvailable:
		return errors.Conflict("the record was modified concurrently, retry the request")

	default:
		return nil
	}
}

// IsUniqueViolation reports whether err is a unique violation on constraint.
// An empty constraint matches any unique violation.
func IsUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !stderrors.As(err, &pqErr) || string(pqErr.Code) != pgerrcode.UniqueViolation {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

func mapCheckConstraint(pqErr *pq.Error) *errors.AppError {
	constraint := pqErr.Constraint

	switch {
	case strings.Contains(constraint, "quantity_positive"):
		return errors.Validation(map[string]string{
			"quantity": "must be greater than zero",
		})

	case strings.Contains(constraint, "status_valid"):
		return errors.Validation(map[string]string{
			"status": "must be one of: pending, ordered",
		})

	case strings.Contains(constraint, "partition_valid"):
		return errors.Validation(map[string]string{
			"drug_partition": "must be one of: chemical, medical, natural",
		})

	default:
		return errors.BadRequest("data validation failed: " + constraint)
	}
}

func formatConstraintMessage(pqErr *pq.Error) string {
	constraint := pqErr.Constraint

	switch {
	case strings.Contains(constraint, "one_pending_per_drug"):
		return "a pending consolidated group already exists for this drug"
	case strings.Contains(constraint, "barman_orders_consolidated_status_id"):
		return "a distributor order already exists for this group"
	default:
		return "a record with these values already exists"
	}
}
