package models

import "time"

// RetentionPolicy governs whether run payloads are persisted or erased.
type RetentionPolicy string

const (
	RetentionPolicyRetainAll RetentionPolicy = "retain_all"
	RetentionPolicyEraseAll  RetentionPolicy = "erase_all"
)

// Valid reports whether the policy is one of the known values.
func (p RetentionPolicy) Valid() bool {
	return p == RetentionPolicyRetainAll || p == RetentionPolicyEraseAll
}

// Project holds the settings the orchestrator needs from the
// project-management subsystem: the retention policy, support access flag and
// run limits. Everything else about projects is out of scope here.
type Project struct {
	ID                 string          `json:"id"`
	Name               string          `json:"name"`
	RetentionPolicy    RetentionPolicy `json:"retention_policy"`
	AllowSupportAccess bool            `json:"allow_support_access"`
	RunTimeoutMs       int64           `json:"run_timeout_ms,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

// EffectiveRetentionPolicy defaults to retain_all when unset.
func (p *Project) EffectiveRetentionPolicy() RetentionPolicy {
	if !p.RetentionPolicy.Valid() {
		return RetentionPolicyRetainAll
	}

	return p.RetentionPolicy
}

// RunOptions resolves the execution options handed to workers for runs in
// this project.
func (p *Project) RunOptions() RunOptions {
	return RunOptions{
		RunTimeoutMs:    p.RunTimeoutMs,
		OutputDataclips: p.EffectiveRetentionPolicy() != RetentionPolicyEraseAll,
		EnableJobLogs:   true,
	}
}
