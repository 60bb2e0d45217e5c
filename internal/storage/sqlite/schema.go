package sqlite

const schema = `
-- Cases table
CREATE TABLE IF NOT EXISTS cases (
    case_id TEXT PRIMARY KEY,
    po_number TEXT NOT NULL,
    line_id TEXT NOT NULL,
    supplier_name TEXT DEFAULT '',
    supplier_email TEXT DEFAULT '',
    supplier_domain TEXT DEFAULT '',
    missing_fields TEXT NOT NULL DEFAULT '[]',
    state TEXT NOT NULL DEFAULT 'INBOX_LOOKUP',
    status TEXT NOT NULL DEFAULT 'OPEN',
    touch_count INTEGER NOT NULL DEFAULT 0,
    meta TEXT NOT NULL DEFAULT '{}',
    next_check_at INTEGER,
    last_inbox_check_at DATETIME,
    last_action_at DATETIME,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (po_number, line_id)
);

CREATE INDEX IF NOT EXISTS idx_cases_state ON cases(state);
CREATE INDEX IF NOT EXISTS idx_cases_next_check_at ON cases(next_check_at);

-- Events table (append-only audit log)
CREATE TABLE IF NOT EXISTS events (
    event_id TEXT PRIMARY KEY,
    case_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    summary TEXT NOT NULL DEFAULT '',
    evidence_refs TEXT DEFAULT '',
    meta TEXT DEFAULT '{}',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (case_id) REFERENCES cases(case_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_events_case ON events(case_id);
CREATE INDEX IF NOT EXISTS idx_events_case_type ON events(case_id, event_type);
CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);

-- Messages table
CREATE TABLE IF NOT EXISTS messages (
    message_id TEXT PRIMARY KEY,
    case_id TEXT NOT NULL,
    thread_id TEXT DEFAULT '',
    direction TEXT NOT NULL DEFAULT 'INBOUND',
    from_addr TEXT DEFAULT '',
    to_addr TEXT DEFAULT '',
    subject TEXT DEFAULT '',
    snippet TEXT DEFAULT '',
    body TEXT DEFAULT '',
    headers TEXT DEFAULT '{}',
    received_at DATETIME,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (case_id) REFERENCES cases(case_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_messages_case ON messages(case_id);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id);

-- Attachments table. Content hash is the primary identity for PDFs;
-- attachment_id is a generated surrogate key.
CREATE TABLE IF NOT EXISTS attachments (
    attachment_id TEXT PRIMARY KEY,
    message_id TEXT NOT NULL,
    filename TEXT DEFAULT '',
    mime_type TEXT DEFAULT '',
    provider_attachment_id TEXT DEFAULT '',
    binary_data_base64 TEXT,
    size_bytes INTEGER,
    content_sha256 TEXT,
    text_extract TEXT,
    parsed_fields_json TEXT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME,
    FOREIGN KEY (message_id) REFERENCES messages(message_id) ON DELETE CASCADE
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_attachments_content_sha256
    ON attachments(content_sha256) WHERE content_sha256 IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_attachments_msg_file_mime_sha
    ON attachments(message_id, filename, mime_type, content_sha256);
CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments(message_id);

-- Confirmation records: one row per (po_id, line_id)
CREATE TABLE IF NOT EXISTS confirmation_records (
    id TEXT PRIMARY KEY,
    po_id TEXT NOT NULL,
    line_id TEXT NOT NULL,
    supplier_order_number TEXT DEFAULT '',
    confirmed_delivery_date TEXT DEFAULT '',
    confirmed_quantity REAL,
    source_attachment_id TEXT DEFAULT '',
    source_message_id TEXT DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (po_id, line_id)
);

-- Per-run extraction audit rows
CREATE TABLE IF NOT EXISTS confirmation_extractions (
    id TEXT PRIMARY KEY,
    case_id TEXT NOT NULL,
    fields_json TEXT NOT NULL DEFAULT '{}',
    evidence_attachment_id TEXT DEFAULT '',
    evidence_message_id TEXT DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (case_id) REFERENCES cases(case_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_extractions_case ON confirmation_extractions(case_id);

-- Singleton OAuth token record
CREATE TABLE IF NOT EXISTS gmail_tokens (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    access_token TEXT NOT NULL DEFAULT '',
    refresh_token TEXT NOT NULL DEFAULT '',
    expiry DATETIME,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
