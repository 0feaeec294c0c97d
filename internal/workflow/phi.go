package workflow

import (
	"context"

	"priorauth/internal/audit"
	id "priorauth/pkg/domain"
)

// PHIReadAuditor bridges the crypto codec's read-audit port onto the audit
// recorder. Every decrypt attempt, allowed or denied, lands in the
// phi_field stream.
type PHIReadAuditor struct {
	recorder *audit.Recorder
}

func NewPHIReadAuditor(recorder *audit.Recorder) *PHIReadAuditor {
	return &PHIReadAuditor{recorder: recorder}
}

func (a *PHIReadAuditor) RecordPHIRead(ctx context.Context, actor id.ActorID, fieldID string, decision string) error {
	_, err := a.recorder.Record(ctx, audit.Entry{
		Actor:      actor,
		EntityType: audit.EntityPHIField,
		EntityID:   fieldID,
		Operation:  audit.OpRead,
		After:      audit.Snapshot{"decision": decision},
	})
	return err
}
