package storage

import "strings"

// schemaDDL mirrors the persisted schema contract in spec §6: four
// tables, create-if-absent, plus the named indexes. The out-of-scope
// vector/embedding extension from the original source is intentionally
// not carried over (semantic search is excluded per §1).
const schemaDDL = `
CREATE TABLE IF NOT EXISTS context_pages (
	id UUID PRIMARY KEY,
	agent_pid TEXT NOT NULL,
	content TEXT NOT NULL,
	importance REAL NOT NULL,
	page_type TEXT NOT NULL,
	last_accessed TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	token_count INTEGER NOT NULL,
	status TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS task_info (
	agent_pid TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	task TEXT NOT NULL,
	status TEXT NOT NULL,
	priority INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	last_run_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS audit_logs (
	timestamp TIMESTAMPTZ NOT NULL,
	agent_pid TEXT NOT NULL,
	action_type TEXT NOT NULL,
	input_data JSONB,
	output_data JSONB,
	reasoning TEXT,
	duration_ms BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS checkpoints (
	id UUID PRIMARY KEY,
	agent_pid TEXT NOT NULL,
	state JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	previous_checkpoint UUID
);

CREATE INDEX IF NOT EXISTS idx_context_pages_agent_pid
	ON context_pages(agent_pid);

CREATE INDEX IF NOT EXISTS idx_audit_logs_agent_pid
	ON audit_logs(agent_pid, timestamp DESC);

CREATE INDEX IF NOT EXISTS idx_task_info_status
	ON task_info(status);
`

func stringToPageType(s string) string { return normalizeEnum(s, pageTypeNames) }
func stringToPageStatus(s string) string { return normalizeEnum(s, pageStatusNames) }
func stringToTaskStatus(s string) string { return normalizeEnum(s, taskStatusNames) }

var pageTypeNames = []string{"System", "User", "Working", "LongTerm", "ToolResult", "Task", "Tools"}
var pageStatusNames = []string{"InMemory", "Swapped", "Loading"}
var taskStatusNames = []string{"Pending", "Running", "Suspended", "Completed", "Failed", "Canceled"}

// normalizeEnum case-insensitively matches s against the canonical names
// and returns the canonical spelling, or s unchanged if none match; the
// callers store an unmatched value as-is, without validating it.
func normalizeEnum(s string, names []string) string {
	for _, n := range names {
		if strings.EqualFold(s, n) {
			return n
		}
	}
	return s
}
