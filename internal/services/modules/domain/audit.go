package domain

// AuditAction identifies one kind of module state transition.
type AuditAction string

const (
	// AuditActivated records a directly requested activation.
	AuditActivated AuditAction = "ACTIVATED"
	// AuditDeactivated records a deactivation.
	AuditDeactivated AuditAction = "DEACTIVATED"
	// AuditActivatedCascade records an activation induced by another
	// module's dependency closure.
	AuditActivatedCascade AuditAction = "ACTIVATED_CASCADE"
)

// Valid reports whether the action is one of the known transitions.
func (a AuditAction) Valid() bool {
	switch a {
	case AuditActivated, AuditDeactivated, AuditActivatedCascade:
		return true
	}
	return false
}
