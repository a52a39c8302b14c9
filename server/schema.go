package main

// schema is applied at startup. Every statement is idempotent so an
// existing database passes through untouched.
const schema = `
CREATE TABLE IF NOT EXISTS users (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    name                TEXT NOT NULL,
    email               TEXT NOT NULL UNIQUE,
    password_hash       BLOB NOT NULL,
    tutor               BOOLEAN NOT NULL DEFAULT 0,
    admin               BOOLEAN NOT NULL DEFAULT 0,
    created_at          TIMESTAMP NOT NULL,
    updated_at          TIMESTAMP NOT NULL,
    last_signed_in_at   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS assignments (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id             INTEGER NOT NULL,
    name                TEXT NOT NULL,
    discipline          TEXT,
    available_at        TIMESTAMP NOT NULL,
    due_at              TIMESTAMP NOT NULL,
    max_attempts        INTEGER NOT NULL,
    max_points          INTEGER NOT NULL,
    created_at          TIMESTAMP NOT NULL,
    updated_at          TIMESTAMP NOT NULL,

    FOREIGN KEY (user_id) REFERENCES users (id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS assignment_files (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    assignment_id       INTEGER NOT NULL,
    kind                TEXT NOT NULL,
    path                TEXT NOT NULL,
    link                TEXT NOT NULL,

    FOREIGN KEY (assignment_id) REFERENCES assignments (id) ON DELETE CASCADE,
    UNIQUE (assignment_id, kind)
);

CREATE TABLE IF NOT EXISTS submissions (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    assignment_id       INTEGER NOT NULL,
    user_id             INTEGER NOT NULL,
    score               INTEGER NOT NULL DEFAULT 0,
    attempt_count       INTEGER NOT NULL DEFAULT 0,
    feedback            TEXT NOT NULL DEFAULT '[]',
    created_at          TIMESTAMP NOT NULL,
    updated_at          TIMESTAMP NOT NULL,

    FOREIGN KEY (assignment_id) REFERENCES assignments (id) ON DELETE CASCADE,
    FOREIGN KEY (user_id) REFERENCES users (id) ON DELETE CASCADE,
    UNIQUE (assignment_id, user_id)
);

CREATE TABLE IF NOT EXISTS submission_files (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    submission_id       INTEGER NOT NULL,
    assignment_id       INTEGER NOT NULL,
    path                TEXT NOT NULL,
    link                TEXT NOT NULL,

    FOREIGN KEY (submission_id) REFERENCES submissions (id) ON DELETE CASCADE,
    FOREIGN KEY (assignment_id) REFERENCES assignments (id) ON DELETE CASCADE,
    UNIQUE (submission_id)
);

CREATE INDEX IF NOT EXISTS submissions_assignment_id ON submissions (assignment_id);
CREATE INDEX IF NOT EXISTS assignment_files_assignment_id ON assignment_files (assignment_id);
`
