package certificate

import (
	"errors"
	"fmt"

	"github.com/skillvergence/skillvergence-cert-go/internal/model"
)

// ErrReasonRequired is returned by Reject and Revoke when the reason is blank.
var ErrReasonRequired = errors.New("a reason is required")

// InvalidTransitionError reports an action attempted from a status that does not allow it.
// From is the status the certificate was actually in when the attempt was rejected.
type InvalidTransitionError struct {
	CertificateID string
	Action        Action
	From          model.CertificateStatus
	To            model.CertificateStatus
	Required      model.CertificateStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s certificate %s: status is %s, %s requires %s",
		e.Action, e.CertificateID, e.From, e.To, e.Required)
}
