package attendance

// schema is applied by Migrate. The unique (session_id, student_id) index is
// managed by Migrate according to Repository.StrictDedup.
const schema = `
CREATE TABLE IF NOT EXISTS students (
	student_id    TEXT PRIMARY KEY,
	usn           TEXT NOT NULL,
	id_num        TEXT NOT NULL DEFAULT '',
	name          TEXT NOT NULL,
	branch        TEXT NOT NULL DEFAULT '',
	academic_year TEXT NOT NULL,
	batch_year    TEXT NOT NULL DEFAULT '',
	email         TEXT NOT NULL DEFAULT '',
	photo         TEXT NOT NULL DEFAULT '',
	uploaded_by   TEXT NOT NULL,
	uploaded_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_students_cohort ON students (uploaded_by, academic_year, batch_year);

CREATE TABLE IF NOT EXISTS attendance_sessions (
	session_id     TEXT PRIMARY KEY,
	session_name   TEXT NOT NULL,
	department     TEXT NOT NULL DEFAULT '',
	academic_year  TEXT NOT NULL,
	batch_year     TEXT NOT NULL DEFAULT '',
	session_type   TEXT NOT NULL DEFAULT 'Class',
	started_by     TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'active',
	start_time     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	end_time       TIMESTAMPTZ,
	total_students INTEGER NOT NULL DEFAULT 0,
	present_count  INTEGER NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_sessions_owner ON attendance_sessions (started_by, start_time DESC);

CREATE TABLE IF NOT EXISTS attendance_records (
	record_id   TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL REFERENCES attendance_sessions (session_id) ON DELETE CASCADE,
	student_id  TEXT NOT NULL REFERENCES students (student_id) ON DELETE CASCADE,
	student_usn TEXT NOT NULL,
	scan_method TEXT NOT NULL DEFAULT 'manual',
	timestamp   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_records_session ON attendance_records (session_id, timestamp DESC);

CREATE OR REPLACE FUNCTION notify_attendance_change() RETURNS trigger AS $$
BEGIN
	IF TG_OP = 'DELETE' THEN
		PERFORM pg_notify('attendance_records',
			json_build_object('session_id', OLD.session_id, 'record_id', OLD.record_id, 'op', 'delete')::text);
		RETURN OLD;
	END IF;
	PERFORM pg_notify('attendance_records',
		json_build_object('session_id', NEW.session_id, 'record_id', NEW.record_id, 'op', 'insert')::text);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS attendance_records_notify ON attendance_records;
CREATE TRIGGER attendance_records_notify
	AFTER INSERT OR DELETE ON attendance_records
	FOR EACH ROW EXECUTE FUNCTION notify_attendance_change();
`
