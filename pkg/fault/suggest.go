package fault

// ExitCode maps an error kind to the process exit code contract for host
// CLIs: 0 success, 1 generic failure, 2 invalid input, 3 safety denied,
// 4 approval rejected/timeout, 5 backend unreachable, 6 integrity violation.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case KindInvalidParams, KindInvalidOperation, KindUnsupportedOperation, KindIdentifierTooLong:
		return 2
	case KindSafetyDenied:
		return 3
	case KindApprovalRejected, KindApprovalRequired:
		return 4
	case KindConnectionFailed, KindPoolExhaustedTimeout, KindAuthFailed:
		return 5
	case KindAuditChainMismatch, KindDecryptFailure:
		return 6
	default:
		return 1
	}
}

// suggestions keyed by kind, surfaced alongside the short message so callers
// can render actionable hints without inspecting the chain.
var suggestions = map[Kind][]string{
	KindInvalidParams:        {"check the parameter names and types against the tool schema"},
	KindUnsupportedOperation: {"consult the per-backend operation table for supported operations"},
	KindAuthFailed:           {"verify the credential reference and vault contents", "check that the database user still exists"},
	KindCapabilityDenied:     {"grant the missing capability in the task context"},
	KindRateLimited:          {"wait for the rate-limit window to pass or raise the tool's limit"},
	KindConnectionFailed:     {"check host/port and network reachability", "verify TLS settings match the server"},
	KindPoolExhaustedTimeout: {"raise the pool max size or the acquire timeout", "look for callers holding connections too long"},
	KindTimeout:              {"raise the operation timeout or reduce the query's work"},
	KindQueryFailed:          {"inspect the driver code carried on the error"},
	KindSafetyDenied:         {"lower the operation's risk (add WHERE/LIMIT) or request approval"},
	KindApprovalRejected:     {"review the approver's reason and resubmit if appropriate"},
	KindAuditChainMismatch:   {"the audit log shows tampering; preserve the file and investigate"},
	KindDecryptFailure:       {"the vault payload is corrupt or the passphrase is wrong"},
	KindCacheUnavailable:     {"the cache store is unreachable; results are computed directly"},
}

// Suggestions returns remediation hints for the error's kind. The slice is
// shared; callers must not mutate it.
func Suggestions(err error) []string {
	return suggestions[KindOf(err)]
}
