package store

const schemaSQL = `
-- Compute jobs submitted from the portal
CREATE TABLE IF NOT EXISTS job (
	job_id INTEGER PRIMARY KEY AUTOINCREMENT,
	computer_name TEXT NOT NULL DEFAULT '',
	status INTEGER NOT NULL DEFAULT 0,
	priority INTEGER NOT NULL DEFAULT 0,
	submit_time INTEGER,
	start_time INTEGER,
	finish_time INTEGER,
	messages TEXT,
	command TEXT
);

-- Per-image units of work within a job
CREATE TABLE IF NOT EXISTS subjob (
	subjob_id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id INTEGER NOT NULL REFERENCES job(job_id),
	computer_name TEXT NOT NULL DEFAULT '',
	status INTEGER NOT NULL DEFAULT 0,
	priority INTEGER NOT NULL DEFAULT 0,
	start_time INTEGER,
	finish_time INTEGER,
	messages TEXT,
	command TEXT
);

CREATE INDEX IF NOT EXISTS idx_subjob_job ON subjob(job_id);
CREATE INDEX IF NOT EXISTS idx_job_status ON job(status);
CREATE INDEX IF NOT EXISTS idx_subjob_status ON subjob(status);
`
