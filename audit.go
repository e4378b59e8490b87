package atheneum

import (
	"encoding/json"
	"time"

	"github.com/IMQS/log"
	"github.com/wI2L/jsondiff"
)

type AuditActionType string

const (
	AuditActionAuthentication AuditActionType = "Authentication"
	AuditActionFailedLogin    AuditActionType = "Failed Login"
	AuditActionCreated        AuditActionType = "Created"
	AuditActionUpdated        AuditActionType = "Updated"
	AuditActionDeleted        AuditActionType = "Deleted"
	AuditActionTokenIssued    AuditActionType = "Token Issued"
)

type Auditor interface {
	AuditUserAction(identity, item, context string, auditActionType AuditActionType)
}

type auditRecord struct {
	Who     string `json:"who"`
	DidWhat string `json:"did_what"`
	ToWhat  string `json:"to_what"`
	Context string `json:"context,omitempty"`
	AtTime  int64  `json:"at_time"`
}

// Auditor that writes audit records into the service log as single-line JSON.
type logAuditor struct {
	log *log.Logger
}

func (x *logAuditor) AuditUserAction(identity, item, context string, auditActionType AuditActionType) {
	record := auditRecord{
		Who:     identity,
		DidWhat: string(auditActionType),
		ToWhat:  item,
		Context: context,
		AtTime:  time.Now().Unix(),
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		x.log.Warnf("Error encoding audit record: (%v)", err)
		return
	}
	x.log.Infof("audit: %v", string(encoded))
}

// GroupsChangeContext renders the difference between two group sets as a
// JSON patch, for the context field of an audit record. An empty string
// means no difference, or that the diff could not be computed.
func GroupsChangeContext(before, after []string) string {
	patch, err := jsondiff.Compare(before, after)
	if err != nil || len(patch) == 0 {
		return ""
	}
	encoded, eMarshal := json.Marshal(patch)
	if eMarshal != nil {
		return ""
	}
	return string(encoded)
}
