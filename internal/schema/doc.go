// Package schema defines the records shared by the host and companion stores.
//
// # Overview
//
// Two schedule generations coexist on disk:
//
//   - LegacySchedule / LegacySleepBlock: the original shape. Block times are
//     "HH:MM" strings and the description is a plain string.
//   - Schedule / SleepBlock: the current shape. Block times are minutes since
//     midnight, the description is a LocalizedText blob, and the schedule
//     carries an adaptation phase and an activation timestamp.
//
// Both shapes share the same identifier for the same logical schedule. The
// migrate package joins them on that identifier; nothing in this package
// converts between them.
//
// SleepEntry records a single sleep session. PendingChange records work that
// has not been confirmed delivered to the peer.
//
// # Design Principles
//
//   - Flat records with JSON tags, last-write-wins on UpdatedAt
//   - Soft delete via IsDeleted; physical removal happens in the cleanup pass
//   - Child blocks reference their parent through a nullable ScheduleID; a nil
//     parent marks an orphan
//   - Every record validates itself before it reaches the store
package schema
