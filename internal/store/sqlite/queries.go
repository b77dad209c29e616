package sqlite

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    seq             INTEGER PRIMARY KEY AUTOINCREMENT,
    id              TEXT NOT NULL UNIQUE,
    business_key    TEXT NOT NULL UNIQUE,
    payload         TEXT NOT NULL,
    state           TEXT NOT NULL,
    attempts        INTEGER NOT NULL DEFAULT 0,
    enqueued_at     TEXT NOT NULL,
    in_flight_since TEXT,
    error_history   TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS ledger (
    seq           INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp     TEXT NOT NULL,
    business_key  TEXT NOT NULL,
    outcome       TEXT NOT NULL,
    reason        TEXT NOT NULL DEFAULT '',
    trip_date     TEXT NOT NULL DEFAULT '',
    determinante  TEXT NOT NULL DEFAULT '',
    tractor_plate TEXT NOT NULL DEFAULT '',
    trailer_plate TEXT NOT NULL DEFAULT '',
    amount        TEXT NOT NULL DEFAULT '',
    client_code   TEXT NOT NULL DEFAULT '',
    invoice_uuid  TEXT NOT NULL DEFAULT '',
    erp_trip_id   TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS ledger_business_key ON ledger (business_key);
`

const jobColumns = `seq, id, business_key, payload, state, attempts, enqueued_at, in_flight_since, error_history`

const queryJobByKey = `SELECT id FROM jobs WHERE business_key = ?`

const queryInsertJob = `
INSERT INTO jobs (id, business_key, payload, state, attempts, enqueued_at, in_flight_since, error_history)
VALUES (?, ?, ?, ?, 0, ?, NULL, '[]')
`

const queryNextPending = `
SELECT ` + jobColumns + `
FROM jobs
WHERE state = 'PENDING' AND seq > ?
ORDER BY seq
LIMIT 1
`

const queryMarkInFlight = `UPDATE jobs SET state = 'IN_FLIGHT', in_flight_since = ? WHERE seq = ?`

const queryDeleteJobBySeq = `DELETE FROM jobs WHERE seq = ?`

const queryDeleteJobByID = `DELETE FROM jobs WHERE id = ?`

const queryJobByID = `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`

const queryUpdateRetry = `
UPDATE jobs
SET state = 'PENDING', attempts = ?, in_flight_since = NULL, error_history = ?
WHERE id = ?
`

const queryInFlightJobs = `SELECT seq, in_flight_since FROM jobs WHERE state = 'IN_FLIGHT'`

const queryRevertToPending = `UPDATE jobs SET state = 'PENDING', in_flight_since = NULL WHERE seq = ?`

const queryDeleteZombies = `
DELETE FROM jobs
WHERE business_key IN (SELECT business_key FROM ledger)
`

const queryListJobs = `SELECT ` + jobColumns + ` FROM jobs ORDER BY seq`

const queryLedgerExists = `SELECT EXISTS (SELECT 1 FROM ledger WHERE business_key = ?)`

const queryInsertLedger = `
INSERT INTO ledger (
    timestamp, business_key, outcome, reason,
    trip_date, determinante, tractor_plate, trailer_plate, amount, client_code,
    invoice_uuid, erp_trip_id
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

const ledgerColumns = `
    timestamp, business_key, outcome, reason,
    trip_date, determinante, tractor_plate, trailer_plate, amount, client_code,
    invoice_uuid, erp_trip_id
`

const queryLedgerEntries = `SELECT ` + ledgerColumns + ` FROM ledger ORDER BY seq`

const queryLedgerFailures = `
SELECT ` + ledgerColumns + `
FROM ledger
WHERE outcome = 'FAILURE'
ORDER BY seq DESC
LIMIT ? OFFSET ?
`
