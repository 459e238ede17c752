package recorder

import (
	_ "embed"
)

//go:embed schema.sql
var schemaSQL string

const (
	insertSessionSQL = `
INSERT INTO sessions (id, remote, started)
VALUES (?, ?, ?)
ON CONFLICT (id) DO NOTHING`

	endSessionSQL = `
UPDATE sessions
SET ended = ?,
    error = ?
WHERE id = ?`

	insertCoreSQL = `
INSERT INTO core (session_id,
                  at,
                  flying,
                  latitude,
                  longitude,
                  altitude,
                  height_above_ground,
                  velocity_n,
                  velocity_e,
                  velocity_d,
                  yaw,
                  pitch,
                  roll)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	insertExtendedSQL = `
INSERT INTO extended (session_id,
                      at,
                      satellite_count,
                      signal_quality,
                      battery_level,
                      battery_warning,
                      flight_mode,
                      camera_mode,
                      mission_id,
                      serial)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	insertMessageSQL = `
INSERT INTO messages (session_id, at, kind, subtype, body)
VALUES (?, ?, ?, ?, ?)`

	selectSessionsSQL = `
SELECT s.id,
       s.remote,
       s.started,
       s.ended,
       s.error,
       (SELECT count(*) FROM core c WHERE c.session_id = s.id)
FROM sessions s
ORDER BY s.started DESC
LIMIT ?`

	selectTrackSQL = `
SELECT at,
       flying,
       latitude,
       longitude,
       altitude,
       height_above_ground,
       velocity_n,
       velocity_e,
       velocity_d,
       yaw,
       pitch,
       roll
FROM core
WHERE session_id = ?
ORDER BY at, id
LIMIT ?`

	selectMessagesSQL = `
SELECT at, kind, subtype, body
FROM messages
WHERE session_id = ?
ORDER BY at, id
LIMIT ?`
)
